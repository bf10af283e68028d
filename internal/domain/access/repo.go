package access

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lookups return ErrNotFound when no row matches.

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByUserID(ctx context.Context, userID string) (*Patient, error)
	GetByPatientUUID(ctx context.Context, patientUUID string) (*Patient, error)
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByUserID(ctx context.Context, userID string) (*Doctor, error)
}

type RecordRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	// ListForDoctor returns the patient's records, newest first, each with
	// doctorID's file access request attached when one exists.
	ListForDoctor(ctx context.Context, patientID, doctorID uuid.UUID) ([]*RecordAccess, error)
}

type PermissionRepository interface {
	Get(ctx context.Context, doctorID, patientID uuid.UUID) (*PermissionRequest, error)
	// UpsertPending creates the (doctor, patient) request or resets it to
	// PENDING, clearing any expiry.
	UpsertPending(ctx context.Context, doctorID, patientID uuid.UUID) (*PermissionRequest, error)
	// UpdateStatus only matches requests addressed to patientID.
	UpdateStatus(ctx context.Context, id, patientID uuid.UUID, status Status, expiresAt *time.Time) (*PermissionRequest, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, f ListFilter, limit, offset int) ([]*PermissionRequest, int, error)
	// ListByDoctor populates Patient on each request.
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, f ListFilter, limit, offset int) ([]*PermissionRequest, int, error)
}

type FileAccessRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*FileAccessRequest, error)
	UpsertPending(ctx context.Context, doctorID, recordID uuid.UUID) (*FileAccessRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, expiresAt *time.Time) (*FileAccessRequest, error)
}

// Repositories bundles the stores the service needs.
type Repositories struct {
	Patients    PatientRepository
	Doctors     DoctorRepository
	Records     RecordRepository
	Permissions PermissionRepository
	FileAccess  FileAccessRepository
}
