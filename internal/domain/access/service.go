package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suptocoder/VitaCare/internal/platform/db"
	"github.com/suptocoder/VitaCare/pkg/events"
)

// Notifier pushes an event to a user's live session. The result is
// informational; a false return never fails the calling operation.
type Notifier interface {
	Deliver(userID string, e events.Event) bool
}

// Service owns the access-request workflow. Every mutation commits before
// its notification is sent.
type Service struct {
	repos    Repositories
	tx       db.Transactor
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repos Repositories, tx db.Transactor, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repos:    repos,
		tx:       tx,
		notifier: notifier,
		logger:   logger.With().Str("component", "access").Logger(),
		now:      time.Now,
	}
}

// RequestResult is returned to the requesting doctor.
type RequestResult struct {
	RequestID uuid.UUID `json:"requestId"`
	PatientID uuid.UUID `json:"patientId"`
	Status    Status    `json:"status"`
	// AlreadyApproved is set when an active grant made the request a no-op.
	AlreadyApproved bool `json:"-"`
}

// RequestAccess records a doctor's request for a patient's records and
// notifies the patient. An active approval is returned unchanged.
func (s *Service) RequestAccess(ctx context.Context, doctorUserID, patientUUID string) (*RequestResult, error) {
	patientUUID = strings.TrimSpace(patientUUID)
	if patientUUID == "" {
		return nil, fmt.Errorf("%w: patientUuid is required", ErrValidation)
	}
	doctor, err := s.doctorFor(ctx, doctorUserID)
	if err != nil {
		return nil, err
	}
	patient, err := s.repos.Patients.GetByPatientUUID(ctx, patientUUID)
	if err != nil {
		return nil, err
	}

	var req *PermissionRequest
	var approved bool
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repos.Permissions.Get(ctx, doctor.ID, patient.ID)
		switch {
		case err == nil && existing.Active(s.now()):
			req, approved = existing, true
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		req, err = s.repos.Permissions.UpsertPending(ctx, doctor.ID, patient.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("request access: %w", err)
	}

	result := &RequestResult{RequestID: req.ID, PatientID: patient.ID, Status: req.Status, AlreadyApproved: approved}
	if approved {
		return result, nil
	}

	s.notify(patient.UserID, events.Event{
		Type:    events.AccessRequested,
		Message: fmt.Sprintf("Dr. %s has requested access to your medical records.", doctor.FullName),
		Data: events.Data{
			RequestID:            req.ID.String(),
			DoctorName:           doctor.FullName,
			DoctorSpecialization: doctor.Specialization,
		},
	})
	return result, nil
}

// RequestFileAccess records a doctor's request for one record. The doctor
// must already hold active access to the record's patient.
func (s *Service) RequestFileAccess(ctx context.Context, doctorUserID string, recordID uuid.UUID) (*RequestResult, error) {
	if recordID == uuid.Nil {
		return nil, fmt.Errorf("%w: recordId is required", ErrValidation)
	}
	doctor, err := s.doctorFor(ctx, doctorUserID)
	if err != nil {
		return nil, err
	}
	record, err := s.repos.Records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	patient, err := s.repos.Patients.GetByID(ctx, record.PatientID)
	if err != nil {
		return nil, err
	}

	var req *FileAccessRequest
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		grant, err := s.repos.Permissions.Get(ctx, doctor.ID, record.PatientID)
		if errors.Is(err, ErrNotFound) || (err == nil && !grant.Active(s.now())) {
			return fmt.Errorf("%w: no access to this patient", ErrForbidden)
		}
		if err != nil {
			return err
		}
		req, err = s.repos.FileAccess.UpsertPending(ctx, doctor.ID, record.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("request file access: %w", err)
	}

	s.notify(patient.UserID, events.Event{
		Type:    events.FileAccessRequested,
		Message: fmt.Sprintf("Dr. %s has requested access to \"%s\"", doctor.FullName, record.Title),
		Data: events.Data{
			RequestID:   req.ID.String(),
			RecordID:    record.ID.String(),
			RecordTitle: record.Title,
			DoctorName:  doctor.FullName,
		},
	})
	return &RequestResult{RequestID: req.ID, PatientID: patient.ID, Status: req.Status}, nil
}

// Decision is a patient's action on a request. ExpiresIn bounds an approval;
// zero means no expiry.
type Decision struct {
	RequestID uuid.UUID
	Action    Action
	ExpiresIn time.Duration
}

var accessEventTypes = map[Status]events.Type{
	StatusApproved: events.AccessApproved,
	StatusRejected: events.AccessRejected,
	StatusRevoked:  events.AccessRevoked,
}

var fileAccessEventTypes = map[Status]events.Type{
	StatusApproved: events.FileAccessApproved,
	StatusRejected: events.FileAccessRejected,
	StatusRevoked:  events.FileAccessRevoked,
}

// ManageAccess applies a patient's decision to a permission request
// addressed to them and notifies the doctor.
func (s *Service) ManageAccess(ctx context.Context, patientUserID string, d Decision) (*PermissionRequest, error) {
	status, err := d.Action.Status()
	if err != nil {
		return nil, err
	}
	patient, err := s.patientFor(ctx, patientUserID)
	if err != nil {
		return nil, err
	}

	var req *PermissionRequest
	var doctor *Doctor
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.repos.Permissions.UpdateStatus(ctx, d.RequestID, patient.ID, status, s.expiry(status, d.ExpiresIn))
		if err != nil {
			return err
		}
		doctor, err = s.repos.Doctors.GetByID(ctx, req.DoctorID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("manage access: %w", err)
	}

	messages := map[Status]string{
		StatusApproved: "%s has approved your access request.",
		StatusRejected: "%s has denied your access request.",
		StatusRevoked:  "%s has revoked your access.",
	}
	s.notify(doctor.UserID, events.Event{
		Type:    accessEventTypes[status],
		Message: fmt.Sprintf(messages[status], patient.FullName),
		Data: events.Data{
			RequestID:   req.ID.String(),
			PatientName: patient.FullName,
		},
	})
	return req, nil
}

// ManageFileAccess applies a patient's decision to a file access request
// for one of their own records and notifies the doctor.
func (s *Service) ManageFileAccess(ctx context.Context, patientUserID string, d Decision) (*FileAccessRequest, error) {
	status, err := d.Action.Status()
	if err != nil {
		return nil, err
	}
	patient, err := s.patientFor(ctx, patientUserID)
	if err != nil {
		return nil, err
	}

	var req *FileAccessRequest
	var record *MedicalRecord
	var doctor *Doctor
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repos.FileAccess.GetByID(ctx, d.RequestID)
		if err != nil {
			return err
		}
		record, err = s.repos.Records.GetByID(ctx, existing.RecordID)
		if err != nil {
			return err
		}
		if record.PatientID != patient.ID {
			return fmt.Errorf("%w: record belongs to another patient", ErrForbidden)
		}
		req, err = s.repos.FileAccess.UpdateStatus(ctx, existing.ID, status, s.expiry(status, d.ExpiresIn))
		if err != nil {
			return err
		}
		doctor, err = s.repos.Doctors.GetByID(ctx, req.DoctorID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("manage file access: %w", err)
	}

	verbs := map[Status]string{
		StatusApproved: "approved your access to",
		StatusRejected: "denied your access to",
		StatusRevoked:  "revoked your access to",
	}
	s.notify(doctor.UserID, events.Event{
		Type:    fileAccessEventTypes[status],
		Message: fmt.Sprintf("%s has %s \"%s\"", patient.FullName, verbs[status], record.Title),
		Data: events.Data{
			RequestID:   req.ID.String(),
			RecordID:    record.ID.String(),
			RecordTitle: record.Title,
			PatientName: patient.FullName,
		},
	})
	return req, nil
}

// ListPendingRequests returns the patient's pending requests, newest first.
func (s *Service) ListPendingRequests(ctx context.Context, patientUserID string, limit, offset int) ([]*PermissionRequest, int, error) {
	patient, err := s.patientFor(ctx, patientUserID)
	if err != nil {
		return nil, 0, err
	}
	return s.repos.Permissions.ListByPatient(ctx, patient.ID, ListFilter{Status: StatusPending}, limit, offset)
}

// ListActiveAccess returns approved, unexpired grants, most recently
// changed first.
func (s *Service) ListActiveAccess(ctx context.Context, patientUserID string, limit, offset int) ([]*PermissionRequest, int, error) {
	patient, err := s.patientFor(ctx, patientUserID)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	return s.repos.Permissions.ListByPatient(ctx, patient.ID, ListFilter{Status: StatusApproved, ActiveAt: &now}, limit, offset)
}

// ListPatients returns the patients who have granted the doctor active
// access, most recently approved first.
func (s *Service) ListPatients(ctx context.Context, doctorUserID string, limit, offset int) ([]*PermissionRequest, int, error) {
	doctor, err := s.doctorFor(ctx, doctorUserID)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	return s.repos.Permissions.ListByDoctor(ctx, doctor.ID, ListFilter{Status: StatusApproved, ActiveAt: &now}, limit, offset)
}

// PatientRecords lists a patient's records with the doctor's access state
// for each. The doctor must hold an active grant for the patient.
func (s *Service) PatientRecords(ctx context.Context, doctorUserID, patientUUID string) (*PatientRecords, error) {
	patientUUID = strings.TrimSpace(patientUUID)
	if patientUUID == "" {
		return nil, fmt.Errorf("%w: patientUuid is required", ErrValidation)
	}
	doctor, err := s.doctorFor(ctx, doctorUserID)
	if err != nil {
		return nil, err
	}
	patient, err := s.repos.Patients.GetByPatientUUID(ctx, patientUUID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	grant, err := s.repos.Permissions.Get(ctx, doctor.ID, patient.ID)
	if errors.Is(err, ErrNotFound) || (err == nil && !grant.Active(now)) {
		return nil, fmt.Errorf("%w: access not granted", ErrForbidden)
	}
	if err != nil {
		return nil, err
	}

	records, err := s.repos.Records.ListForDoctor(ctx, patient.ID, doctor.ID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*RecordAccess{}
	}
	for _, r := range records {
		r.resolve(now)
	}
	return &PatientRecords{Patient: patient, Grant: grant, Records: records}, nil
}

func (s *Service) doctorFor(ctx context.Context, userID string) (*Doctor, error) {
	d, err := s.repos.Doctors.GetByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no doctor profile for this user", ErrForbidden)
	}
	return d, err
}

func (s *Service) patientFor(ctx context.Context, userID string) (*Patient, error) {
	p, err := s.repos.Patients.GetByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no patient profile for this user", ErrForbidden)
	}
	return p, err
}

func (s *Service) expiry(status Status, in time.Duration) *time.Time {
	if status != StatusApproved || in <= 0 {
		return nil
	}
	t := s.now().Add(in)
	return &t
}

func (s *Service) notify(userID string, e events.Event) {
	delivered := s.notifier != nil && s.notifier.Deliver(userID, e)
	s.logger.Info().
		Str("user_id", userID).
		Str("event", string(e.Type)).
		Str("request_id", e.Data.RequestID).
		Bool("delivered", delivered).
		Msg("access notification")
}
