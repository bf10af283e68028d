package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidAction = errors.New("invalid action")
	ErrValidation    = errors.New("validation failed")
)

// Status is the lifecycle state shared by patient-level and file-level
// access requests.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusRevoked  Status = "REVOKED"
)

// Action is a patient's decision on a request.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
	ActionRevoke  Action = "REVOKE"
)

// Status maps the action to the status it produces.
func (a Action) Status() (Status, error) {
	switch a {
	case ActionApprove:
		return StatusApproved, nil
	case ActionReject:
		return StatusRejected, nil
	case ActionRevoke:
		return StatusRevoked, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, string(a))
}

type Patient struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	PatientUUID string    `db:"patient_uuid" json:"patient_uuid"`
	FullName    string    `db:"full_name" json:"full_name"`
}

type Doctor struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"-"`
	FullName       string    `db:"full_name" json:"full_name"`
	Specialization string    `db:"specialization" json:"specialization"`
	LicenseNumber  string    `db:"license_number" json:"license_number"`
	HospitalName   string    `db:"hospital_name" json:"hospital_name"`
}

type MedicalRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Access states reported to a doctor for a single record, besides the
// request statuses themselves.
const (
	AccessNotRequested Status = "NOT_REQUESTED"
	AccessExpired      Status = "EXPIRED"
)

// RecordAccess is a record as seen by one doctor: the record plus that
// doctor's file access request for it, if any.
type RecordAccess struct {
	MedicalRecord
	FileRequest  *FileAccessRequest `json:"-"`
	AccessStatus Status             `json:"access_status"`
}

// resolve sets AccessStatus from FileRequest at now.
func (r *RecordAccess) resolve(now time.Time) {
	switch {
	case r.FileRequest == nil:
		r.AccessStatus = AccessNotRequested
	case r.FileRequest.Status == StatusApproved && !r.FileRequest.Active(now):
		r.AccessStatus = AccessExpired
	default:
		r.AccessStatus = r.FileRequest.Status
	}
}

// PatientRecords is a patient's record list for a doctor holding an active
// grant.
type PatientRecords struct {
	Patient *Patient           `json:"patient"`
	Grant   *PermissionRequest `json:"grant"`
	Records []*RecordAccess    `json:"records"`
}

// PermissionRequest is a doctor's request for access to all of a patient's
// records. There is at most one per (doctor, patient) pair.
type PermissionRequest struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DoctorID  uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status    Status     `db:"status" json:"status"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`

	// Doctor and Patient are populated by list queries.
	Doctor  *Doctor  `json:"doctor,omitempty"`
	Patient *Patient `json:"patient,omitempty"`
}

// Active reports whether the grant is approved and unexpired at now.
func (p *PermissionRequest) Active(now time.Time) bool {
	return isActive(p.Status, p.ExpiresAt, now)
}

// FileAccessRequest is a doctor's request for one medical record. There is
// at most one per (doctor, record) pair.
type FileAccessRequest struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DoctorID  uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	RecordID  uuid.UUID  `db:"record_id" json:"record_id"`
	Status    Status     `db:"status" json:"status"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

func (f *FileAccessRequest) Active(now time.Time) bool {
	return isActive(f.Status, f.ExpiresAt, now)
}

func isActive(s Status, expiresAt *time.Time, now time.Time) bool {
	if s != StatusApproved {
		return false
	}
	return expiresAt == nil || expiresAt.After(now)
}

// ListFilter narrows a permission request listing.
type ListFilter struct {
	Status Status
	// ActiveAt excludes grants that expired before this instant.
	ActiveAt *time.Time
}
