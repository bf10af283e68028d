package access

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suptocoder/VitaCare/pkg/events"
)

// -- Mock Repositories --

type mockStore struct {
	patients    map[uuid.UUID]*Patient
	doctors     map[uuid.UUID]*Doctor
	records     map[uuid.UUID]*MedicalRecord
	permissions map[uuid.UUID]*PermissionRequest
	files       map[uuid.UUID]*FileAccessRequest
	failWrites  error
}

func newMockStore() *mockStore {
	return &mockStore{
		patients:    make(map[uuid.UUID]*Patient),
		doctors:     make(map[uuid.UUID]*Doctor),
		records:     make(map[uuid.UUID]*MedicalRecord),
		permissions: make(map[uuid.UUID]*PermissionRequest),
		files:       make(map[uuid.UUID]*FileAccessRequest),
	}
}

func (m *mockStore) repos() Repositories {
	return Repositories{
		Patients:    mockPatients{m},
		Doctors:     mockDoctors{m},
		Records:     mockRecords{m},
		Permissions: mockPermissions{m},
		FileAccess:  mockFiles{m},
	}
}

type mockPatients struct{ *mockStore }

func (m mockPatients) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	if p, ok := m.patients[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("patient: %w", ErrNotFound)
}

func (m mockPatients) GetByUserID(_ context.Context, userID string) (*Patient, error) {
	for _, p := range m.patients {
		if p.UserID == userID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("patient: %w", ErrNotFound)
}

func (m mockPatients) GetByPatientUUID(_ context.Context, patientUUID string) (*Patient, error) {
	for _, p := range m.patients {
		if p.PatientUUID == patientUUID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("patient: %w", ErrNotFound)
}

type mockDoctors struct{ *mockStore }

func (m mockDoctors) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	if d, ok := m.doctors[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("doctor: %w", ErrNotFound)
}

func (m mockDoctors) GetByUserID(_ context.Context, userID string) (*Doctor, error) {
	for _, d := range m.doctors {
		if d.UserID == userID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("doctor: %w", ErrNotFound)
}

type mockRecords struct{ *mockStore }

func (m mockRecords) GetByID(_ context.Context, id uuid.UUID) (*MedicalRecord, error) {
	if r, ok := m.records[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("medical record: %w", ErrNotFound)
}

func (m mockRecords) ListForDoctor(_ context.Context, patientID, doctorID uuid.UUID) ([]*RecordAccess, error) {
	var out []*RecordAccess
	for _, r := range m.records {
		if r.PatientID != patientID {
			continue
		}
		ra := &RecordAccess{MedicalRecord: *r}
		for _, f := range m.files {
			if f.DoctorID == doctorID && f.RecordID == r.ID {
				ra.FileRequest = f
			}
		}
		out = append(out, ra)
	}
	return out, nil
}

type mockPermissions struct{ *mockStore }

func (m mockPermissions) Get(_ context.Context, doctorID, patientID uuid.UUID) (*PermissionRequest, error) {
	for _, p := range m.permissions {
		if p.DoctorID == doctorID && p.PatientID == patientID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("permission request: %w", ErrNotFound)
}

func (m mockPermissions) UpsertPending(ctx context.Context, doctorID, patientID uuid.UUID) (*PermissionRequest, error) {
	if m.failWrites != nil {
		return nil, m.failWrites
	}
	if p, err := m.Get(ctx, doctorID, patientID); err == nil {
		p.Status, p.ExpiresAt, p.UpdatedAt = StatusPending, nil, time.Now()
		return p, nil
	}
	p := &PermissionRequest{
		ID: uuid.New(), DoctorID: doctorID, PatientID: patientID, Status: StatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.permissions[p.ID] = p
	return p, nil
}

func (m mockPermissions) UpdateStatus(_ context.Context, id, patientID uuid.UUID, status Status, expiresAt *time.Time) (*PermissionRequest, error) {
	p, ok := m.permissions[id]
	if !ok || p.PatientID != patientID {
		return nil, fmt.Errorf("permission request: %w", ErrNotFound)
	}
	p.Status, p.ExpiresAt, p.UpdatedAt = status, expiresAt, time.Now()
	return p, nil
}

func (m mockPermissions) ListByPatient(_ context.Context, patientID uuid.UUID, f ListFilter, limit, offset int) ([]*PermissionRequest, int, error) {
	var out []*PermissionRequest
	for _, p := range m.permissions {
		if p.PatientID != patientID || (f.Status != "" && p.Status != f.Status) {
			continue
		}
		if f.ActiveAt != nil && p.ExpiresAt != nil && !p.ExpiresAt.After(*f.ActiveAt) {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m mockPermissions) ListByDoctor(_ context.Context, doctorID uuid.UUID, f ListFilter, limit, offset int) ([]*PermissionRequest, int, error) {
	var out []*PermissionRequest
	for _, p := range m.permissions {
		if p.DoctorID != doctorID || (f.Status != "" && p.Status != f.Status) {
			continue
		}
		if f.ActiveAt != nil && p.ExpiresAt != nil && !p.ExpiresAt.After(*f.ActiveAt) {
			continue
		}
		withPatient := *p
		withPatient.Patient = m.patients[p.PatientID]
		out = append(out, &withPatient)
	}
	return out, len(out), nil
}

type mockFiles struct{ *mockStore }

func (m mockFiles) GetByID(_ context.Context, id uuid.UUID) (*FileAccessRequest, error) {
	if f, ok := m.files[id]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("file access request: %w", ErrNotFound)
}

func (m mockFiles) UpsertPending(_ context.Context, doctorID, recordID uuid.UUID) (*FileAccessRequest, error) {
	for _, f := range m.files {
		if f.DoctorID == doctorID && f.RecordID == recordID {
			f.Status, f.ExpiresAt = StatusPending, nil
			return f, nil
		}
	}
	f := &FileAccessRequest{ID: uuid.New(), DoctorID: doctorID, RecordID: recordID, Status: StatusPending}
	m.files[f.ID] = f
	return f, nil
}

func (m mockFiles) UpdateStatus(_ context.Context, id uuid.UUID, status Status, expiresAt *time.Time) (*FileAccessRequest, error) {
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file access request: %w", ErrNotFound)
	}
	f.Status, f.ExpiresAt = status, expiresAt
	return f, nil
}

// -- Mock Transactor and Notifier --

type mockTx struct {
	open    bool
	commits int
}

func (m *mockTx) InTx(ctx context.Context, fn func(context.Context) error) error {
	m.open = true
	defer func() { m.open = false }()
	if err := fn(ctx); err != nil {
		return err
	}
	m.commits++
	return nil
}

type delivery struct {
	userID string
	event  events.Event
	inTx   bool
}

type mockNotifier struct {
	tx         *mockTx
	online     bool
	deliveries []delivery
}

func (m *mockNotifier) Deliver(userID string, e events.Event) bool {
	m.deliveries = append(m.deliveries, delivery{userID: userID, event: e, inTx: m.tx.open})
	return m.online
}

// -- Fixture --

type fixture struct {
	store    *mockStore
	tx       *mockTx
	notifier *mockNotifier
	svc      *Service
	patient  *Patient
	doctor   *Doctor
	record   *MedicalRecord
}

func newFixture() *fixture {
	store := newMockStore()
	tx := &mockTx{}
	notifier := &mockNotifier{tx: tx, online: true}

	patient := &Patient{ID: uuid.New(), UserID: "user_patient", PatientUUID: "PT-1001", FullName: "Asha Rao"}
	doctor := &Doctor{ID: uuid.New(), UserID: "user_doctor", FullName: "Meera Iyer", Specialization: "Cardiology", LicenseNumber: "LIC-7"}
	record := &MedicalRecord{ID: uuid.New(), PatientID: patient.ID, Title: "Blood panel"}
	store.patients[patient.ID] = patient
	store.doctors[doctor.ID] = doctor
	store.records[record.ID] = record

	return &fixture{
		store:    store,
		tx:       tx,
		notifier: notifier,
		svc:      NewService(store.repos(), tx, notifier, zerolog.Nop()),
		patient:  patient,
		doctor:   doctor,
		record:   record,
	}
}

func (f *fixture) grant(status Status, expiresAt *time.Time) *PermissionRequest {
	p := &PermissionRequest{ID: uuid.New(), DoctorID: f.doctor.ID, PatientID: f.patient.ID, Status: status, ExpiresAt: expiresAt}
	f.store.permissions[p.ID] = p
	return p
}

func (f *fixture) lastDelivery(t *testing.T) delivery {
	t.Helper()
	if len(f.notifier.deliveries) == 0 {
		t.Fatal("expected a notification")
	}
	d := f.notifier.deliveries[len(f.notifier.deliveries)-1]
	if d.inTx {
		t.Error("notification sent before the transaction committed")
	}
	return d
}

// -- RequestAccess --

func TestService_RequestAccess_NotifiesPatient(t *testing.T) {
	f := newFixture()
	res, err := f.svc.RequestAccess(context.Background(), "user_doctor", "PT-1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPending || res.AlreadyApproved {
		t.Fatalf("expected pending request, got %+v", res)
	}
	if f.tx.commits != 1 {
		t.Errorf("expected 1 commit, got %d", f.tx.commits)
	}

	d := f.lastDelivery(t)
	if d.userID != "user_patient" {
		t.Errorf("expected delivery to the patient's user id, got %s", d.userID)
	}
	want := events.Event{
		Type:    events.AccessRequested,
		Message: "Dr. Meera Iyer has requested access to your medical records.",
		Data: events.Data{
			RequestID:            res.RequestID.String(),
			DoctorName:           "Meera Iyer",
			DoctorSpecialization: "Cardiology",
		},
	}
	if d.event.Type != want.Type || d.event.Message != want.Message || d.event.Data.RequestID != want.Data.RequestID ||
		d.event.Data.DoctorSpecialization != want.Data.DoctorSpecialization {
		t.Errorf("expected %+v, got %+v", want, d.event)
	}
}

func TestService_RequestAccess_ActiveApprovalShortCircuits(t *testing.T) {
	f := newFixture()
	existing := f.grant(StatusApproved, nil)

	res, err := f.svc.RequestAccess(context.Background(), "user_doctor", "PT-1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AlreadyApproved || res.RequestID != existing.ID || res.Status != StatusApproved {
		t.Fatalf("expected existing approval returned, got %+v", res)
	}
	if len(f.notifier.deliveries) != 0 {
		t.Error("expected no notification for an existing approval")
	}
}

func TestService_RequestAccess_ExpiredApprovalResetsToPending(t *testing.T) {
	f := newFixture()
	past := time.Now().Add(-time.Hour)
	existing := f.grant(StatusApproved, &past)

	res, err := f.svc.RequestAccess(context.Background(), "user_doctor", "PT-1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RequestID != existing.ID || res.Status != StatusPending {
		t.Fatalf("expected the same request reset to pending, got %+v", res)
	}
	if len(f.notifier.deliveries) != 1 {
		t.Errorf("expected 1 notification, got %d", len(f.notifier.deliveries))
	}
}

func TestService_RequestAccess_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.RequestAccess(ctx, "user_doctor", " "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := f.svc.RequestAccess(ctx, "user_patient", "PT-1001"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for a non-doctor, got %v", err)
	}
	if _, err := f.svc.RequestAccess(ctx, "user_doctor", "PT-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(f.notifier.deliveries) != 0 {
		t.Error("failed requests must not notify")
	}
}

func TestService_RequestAccess_StorageFailureDoesNotNotify(t *testing.T) {
	f := newFixture()
	f.store.failWrites = errors.New("connection reset")

	if _, err := f.svc.RequestAccess(context.Background(), "user_doctor", "PT-1001"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.notifier.deliveries) != 0 || f.tx.commits != 0 {
		t.Error("expected no commit and no notification")
	}
}

func TestService_RequestAccess_OfflinePatientStillSucceeds(t *testing.T) {
	f := newFixture()
	f.notifier.online = false

	if _, err := f.svc.RequestAccess(context.Background(), "user_doctor", "PT-1001"); err != nil {
		t.Fatalf("delivery failure must not fail the request: %v", err)
	}
}

func TestService_NilNotifier(t *testing.T) {
	f := newFixture()
	svc := NewService(f.store.repos(), f.tx, nil, zerolog.Nop())
	if _, err := svc.RequestAccess(context.Background(), "user_doctor", "PT-1001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// -- RequestFileAccess --

func TestService_RequestFileAccess_RequiresActiveGrant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.RequestFileAccess(ctx, "user_doctor", f.record.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden without a grant, got %v", err)
	}

	f.grant(StatusPending, nil)
	if _, err := f.svc.RequestFileAccess(ctx, "user_doctor", f.record.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden with a pending grant, got %v", err)
	}
	if len(f.notifier.deliveries) != 0 {
		t.Error("forbidden requests must not notify")
	}
}

func TestService_RequestFileAccess_NotifiesPatient(t *testing.T) {
	f := newFixture()
	f.grant(StatusApproved, nil)

	res, err := f.svc.RequestFileAccess(context.Background(), "user_doctor", f.record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("expected pending, got %s", res.Status)
	}

	d := f.lastDelivery(t)
	if d.userID != "user_patient" || d.event.Type != events.FileAccessRequested {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if d.event.Message != `Dr. Meera Iyer has requested access to "Blood panel"` {
		t.Errorf("unexpected message: %s", d.event.Message)
	}
	if d.event.Data.RecordID != f.record.ID.String() || d.event.Data.RequestID != res.RequestID.String() {
		t.Errorf("unexpected data: %+v", d.event.Data)
	}
}

func TestService_RequestFileAccess_UnknownRecord(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.RequestFileAccess(context.Background(), "user_doctor", uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.RequestFileAccess(context.Background(), "user_doctor", uuid.Nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// -- ManageAccess --

func TestService_ManageAccess_Decisions(t *testing.T) {
	tests := []struct {
		action  Action
		status  Status
		event   events.Type
		message string
	}{
		{ActionApprove, StatusApproved, events.AccessApproved, "Asha Rao has approved your access request."},
		{ActionReject, StatusRejected, events.AccessRejected, "Asha Rao has denied your access request."},
		{ActionRevoke, StatusRevoked, events.AccessRevoked, "Asha Rao has revoked your access."},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			f := newFixture()
			req := f.grant(StatusPending, nil)

			got, err := f.svc.ManageAccess(context.Background(), "user_patient", Decision{RequestID: req.ID, Action: tt.action})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.status {
				t.Errorf("expected %s, got %s", tt.status, got.Status)
			}

			d := f.lastDelivery(t)
			if d.userID != "user_doctor" {
				t.Errorf("expected delivery to the doctor, got %s", d.userID)
			}
			if d.event.Type != tt.event || d.event.Message != tt.message {
				t.Errorf("unexpected event: %+v", d.event)
			}
			if d.event.Data.RequestID != req.ID.String() || d.event.Data.PatientName != "Asha Rao" {
				t.Errorf("unexpected data: %+v", d.event.Data)
			}
		})
	}
}

func TestService_ManageAccess_TimeBoxedApproval(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	req := f.grant(StatusPending, nil)

	got, err := f.svc.ManageAccess(context.Background(), "user_patient", Decision{RequestID: req.ID, Action: ActionApprove, ExpiresIn: 24 * time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("expected expiry in 24h, got %v", got.ExpiresAt)
	}

	got, _ = f.svc.ManageAccess(context.Background(), "user_patient", Decision{RequestID: req.ID, Action: ActionRevoke, ExpiresIn: time.Hour})
	if got.ExpiresAt != nil {
		t.Error("expiry applies to approvals only")
	}
}

func TestService_ManageAccess_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := f.grant(StatusPending, nil)

	if _, err := f.svc.ManageAccess(ctx, "user_patient", Decision{RequestID: req.ID, Action: "ESCALATE"}); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
	if _, err := f.svc.ManageAccess(ctx, "user_doctor", Decision{RequestID: req.ID, Action: ActionApprove}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for a non-patient, got %v", err)
	}

	other := &Patient{ID: uuid.New(), UserID: "user_other", PatientUUID: "PT-2", FullName: "Other"}
	f.store.patients[other.ID] = other
	if _, err := f.svc.ManageAccess(ctx, "user_other", Decision{RequestID: req.ID, Action: ActionApprove}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a request addressed to another patient, got %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("request must be unchanged, got %s", req.Status)
	}
	if len(f.notifier.deliveries) != 0 {
		t.Error("failed decisions must not notify")
	}
}

// -- ManageFileAccess --

func TestService_ManageFileAccess_NotifiesDoctor(t *testing.T) {
	f := newFixture()
	fr := &FileAccessRequest{ID: uuid.New(), DoctorID: f.doctor.ID, RecordID: f.record.ID, Status: StatusPending}
	f.store.files[fr.ID] = fr

	got, err := f.svc.ManageFileAccess(context.Background(), "user_patient", Decision{RequestID: fr.ID, Action: ActionApprove})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}

	d := f.lastDelivery(t)
	if d.userID != "user_doctor" || d.event.Type != events.FileAccessApproved {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if d.event.Message != `Asha Rao has approved your access to "Blood panel"` {
		t.Errorf("unexpected message: %s", d.event.Message)
	}
	if d.event.Data.RecordID != f.record.ID.String() {
		t.Errorf("expected record id in data, got %+v", d.event.Data)
	}
}

func TestService_ManageFileAccess_ForeignRecord(t *testing.T) {
	f := newFixture()
	other := &Patient{ID: uuid.New(), UserID: "user_other", PatientUUID: "PT-2", FullName: "Other"}
	f.store.patients[other.ID] = other
	fr := &FileAccessRequest{ID: uuid.New(), DoctorID: f.doctor.ID, RecordID: f.record.ID, Status: StatusPending}
	f.store.files[fr.ID] = fr

	_, err := f.svc.ManageFileAccess(context.Background(), "user_other", Decision{RequestID: fr.ID, Action: ActionRevoke})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if fr.Status != StatusPending {
		t.Errorf("foreign patient must not change the request, got %s", fr.Status)
	}
	if len(f.notifier.deliveries) != 0 {
		t.Error("expected no notification")
	}
}

// -- Listings --

func TestService_ListPendingAndActive(t *testing.T) {
	f := newFixture()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	f.grant(StatusPending, nil)
	f.grant(StatusApproved, nil)
	f.grant(StatusApproved, &future)
	f.grant(StatusApproved, &past)
	f.grant(StatusRevoked, nil)

	pending, total, err := f.svc.ListPendingRequests(context.Background(), "user_patient", 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(pending) != 1 {
		t.Errorf("expected 1 pending, got %d", total)
	}

	active, total, err := f.svc.ListActiveAccess(context.Background(), "user_patient", 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(active) != 2 {
		t.Errorf("expected 2 active grants, got %d", total)
	}

	if _, _, err := f.svc.ListActiveAccess(context.Background(), "user_doctor", 20, 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for a non-patient, got %v", err)
	}
}

// -- Doctor views --

func TestService_ListPatients_OnlyActiveGrants(t *testing.T) {
	f := newFixture()
	past := time.Now().Add(-time.Minute)
	f.grant(StatusApproved, nil)

	for i, status := range []Status{StatusApproved, StatusPending, StatusRevoked} {
		other := &Patient{ID: uuid.New(), UserID: fmt.Sprintf("user_other_%d", i), PatientUUID: fmt.Sprintf("PT-20%d", i), FullName: "Other"}
		f.store.patients[other.ID] = other
		p := &PermissionRequest{ID: uuid.New(), DoctorID: f.doctor.ID, PatientID: other.ID, Status: status}
		if status == StatusApproved {
			p.ExpiresAt = &past
		}
		f.store.permissions[p.ID] = p
	}

	items, total, err := f.svc.ListPatients(context.Background(), "user_doctor", 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected 1 patient with an active grant, got %d", total)
	}
	if items[0].Patient == nil || items[0].Patient.PatientUUID != "PT-1001" {
		t.Errorf("expected patient PT-1001, got %+v", items[0].Patient)
	}

	if _, _, err := f.svc.ListPatients(context.Background(), "user_patient", 20, 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for a non-doctor, got %v", err)
	}
}

func TestService_PatientRecords_AccessStatus(t *testing.T) {
	f := newFixture()
	f.grant(StatusApproved, nil)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	addRecord := func(title string, req *FileAccessRequest) uuid.UUID {
		r := &MedicalRecord{ID: uuid.New(), PatientID: f.patient.ID, Title: title}
		f.store.records[r.ID] = r
		if req != nil {
			req.ID, req.DoctorID, req.RecordID = uuid.New(), f.doctor.ID, r.ID
			f.store.files[req.ID] = req
		}
		return r.ID
	}
	want := map[uuid.UUID]Status{
		f.record.ID: AccessNotRequested,
		addRecord("X-ray", &FileAccessRequest{Status: StatusApproved, ExpiresAt: &future}): StatusApproved,
		addRecord("MRI", &FileAccessRequest{Status: StatusApproved, ExpiresAt: &past}):     AccessExpired,
		addRecord("ECG", &FileAccessRequest{Status: StatusPending}):                        StatusPending,
		addRecord("Biopsy", &FileAccessRequest{Status: StatusRejected}):                    StatusRejected,
	}
	// another doctor's request is not visible
	foreign := &FileAccessRequest{ID: uuid.New(), DoctorID: uuid.New(), RecordID: f.record.ID, Status: StatusApproved}
	f.store.files[foreign.ID] = foreign

	res, err := f.svc.PatientRecords(context.Background(), "user_doctor", "PT-1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Patient.ID != f.patient.ID || res.Grant == nil {
		t.Fatalf("unexpected patient or grant: %+v", res)
	}
	if len(res.Records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(res.Records))
	}
	for _, r := range res.Records {
		if r.AccessStatus != want[r.ID] {
			t.Errorf("%s: expected %s, got %s", r.Title, want[r.ID], r.AccessStatus)
		}
	}
	if len(f.notifier.deliveries) != 0 {
		t.Error("reads must not notify")
	}
}

func TestService_PatientRecords_RequiresActiveGrant(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	tests := []struct {
		name    string
		setup   func(f *fixture)
		user    string
		patient string
		wantErr error
	}{
		{"no grant", func(*fixture) {}, "user_doctor", "PT-1001", ErrForbidden},
		{"pending", func(f *fixture) { f.grant(StatusPending, nil) }, "user_doctor", "PT-1001", ErrForbidden},
		{"revoked", func(f *fixture) { f.grant(StatusRevoked, nil) }, "user_doctor", "PT-1001", ErrForbidden},
		{"expired", func(f *fixture) { f.grant(StatusApproved, &past) }, "user_doctor", "PT-1001", ErrForbidden},
		{"not a doctor", func(f *fixture) { f.grant(StatusApproved, nil) }, "user_patient", "PT-1001", ErrForbidden},
		{"unknown patient", func(*fixture) {}, "user_doctor", "PT-404", ErrNotFound},
		{"blank patient", func(*fixture) {}, "user_doctor", "  ", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			if _, err := f.svc.PatientRecords(context.Background(), tt.user, tt.patient); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
