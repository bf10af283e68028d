package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/suptocoder/VitaCare/internal/platform/db"
)

type pgRepo struct{ pool *pgxpool.Pool }

func (r pgRepo) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// NewRepositoriesPG returns pgx-backed repositories sharing pool.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	base := pgRepo{pool: pool}
	return Repositories{
		Patients:    &patientRepoPG{base},
		Doctors:     &doctorRepoPG{base},
		Records:     &recordRepoPG{base},
		Permissions: &permissionRepoPG{base},
		FileAccess:  &fileAccessRepoPG{base},
	}
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pgRepo }

const patientCols = `id, user_id, patient_uuid, full_name`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.UserID, &p.PatientUUID, &p.FullName); err != nil {
		return nil, notFound(err, "patient")
	}
	return &p, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByUserID(ctx context.Context, userID string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE user_id = $1`, userID))
}

func (r *patientRepoPG) GetByPatientUUID(ctx context.Context, patientUUID string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE patient_uuid = $1`, patientUUID))
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pgRepo }

const doctorCols = `id, user_id, full_name, specialization, license_number, hospital_name`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	if err := row.Scan(&d.ID, &d.UserID, &d.FullName, &d.Specialization, &d.LicenseNumber, &d.HospitalName); err != nil {
		return nil, notFound(err, "doctor")
	}
	return &d, nil
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) GetByUserID(ctx context.Context, userID string) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE user_id = $1`, userID))
}

// =========== Medical Record Repository ===========

type recordRepoPG struct{ pgRepo }

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	var m MedicalRecord
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, patient_id, title, created_at FROM medical_record WHERE id = $1`, id).
		Scan(&m.ID, &m.PatientID, &m.Title, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err, "medical record")
	}
	return &m, nil
}

func (r *recordRepoPG) ListForDoctor(ctx context.Context, patientID, doctorID uuid.UUID) ([]*RecordAccess, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.id, m.patient_id, m.title, m.created_at,
			f.id, f.status, f.expires_at, f.created_at, f.updated_at
		FROM medical_record m
		LEFT JOIN file_access_request f ON f.record_id = m.id AND f.doctor_id = $2
		WHERE m.patient_id = $1
		ORDER BY m.created_at DESC`,
		patientID, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var items []*RecordAccess
	for rows.Next() {
		var ra RecordAccess
		var (
			fileID             *uuid.UUID
			status             *Status
			expiresAt          *time.Time
			createdAt, updated *time.Time
		)
		if err := rows.Scan(&ra.ID, &ra.PatientID, &ra.Title, &ra.CreatedAt,
			&fileID, &status, &expiresAt, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if fileID != nil {
			ra.FileRequest = &FileAccessRequest{
				ID: *fileID, DoctorID: doctorID, RecordID: ra.ID,
				Status: *status, ExpiresAt: expiresAt, CreatedAt: *createdAt, UpdatedAt: *updated,
			}
		}
		items = append(items, &ra)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return items, nil
}

// =========== Permission Request Repository ===========

type permissionRepoPG struct{ pgRepo }

const permissionCols = `id, doctor_id, patient_id, status, expires_at, created_at, updated_at`

func scanPermission(row pgx.Row) (*PermissionRequest, error) {
	var p PermissionRequest
	if err := row.Scan(&p.ID, &p.DoctorID, &p.PatientID, &p.Status, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, notFound(err, "permission request")
	}
	return &p, nil
}

func (r *permissionRepoPG) Get(ctx context.Context, doctorID, patientID uuid.UUID) (*PermissionRequest, error) {
	return scanPermission(r.conn(ctx).QueryRow(ctx,
		`SELECT `+permissionCols+` FROM permission_request WHERE doctor_id = $1 AND patient_id = $2`,
		doctorID, patientID))
}

func (r *permissionRepoPG) UpsertPending(ctx context.Context, doctorID, patientID uuid.UUID) (*PermissionRequest, error) {
	return scanPermission(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO permission_request (id, doctor_id, patient_id, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (doctor_id, patient_id)
		DO UPDATE SET status = 'PENDING', expires_at = NULL, updated_at = NOW()
		RETURNING `+permissionCols,
		uuid.New(), doctorID, patientID))
}

func (r *permissionRepoPG) UpdateStatus(ctx context.Context, id, patientID uuid.UUID, status Status, expiresAt *time.Time) (*PermissionRequest, error) {
	return scanPermission(r.conn(ctx).QueryRow(ctx, `
		UPDATE permission_request SET status = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND patient_id = $2
		RETURNING `+permissionCols,
		id, patientID, status, expiresAt))
}

func (r *permissionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f ListFilter, limit, offset int) ([]*PermissionRequest, int, error) {
	where := `pr.patient_id = $1`
	args := []interface{}{patientID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(` AND pr.status = $%d`, len(args))
	}
	if f.ActiveAt != nil {
		args = append(args, *f.ActiveAt)
		where += fmt.Sprintf(` AND (pr.expires_at IS NULL OR pr.expires_at > $%d)`, len(args))
	}
	order := `pr.created_at DESC`
	if f.Status == StatusApproved {
		order = `pr.updated_at DESC`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM permission_request pr WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count permission requests: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT pr.id, pr.doctor_id, pr.patient_id, pr.status, pr.expires_at, pr.created_at, pr.updated_at,
			d.id, d.user_id, d.full_name, d.specialization, d.license_number, d.hospital_name
		FROM permission_request pr
		JOIN doctor d ON d.id = pr.doctor_id
		WHERE %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`, where, order, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list permission requests: %w", err)
	}
	defer rows.Close()

	var items []*PermissionRequest
	for rows.Next() {
		var p PermissionRequest
		var d Doctor
		if err := rows.Scan(&p.ID, &p.DoctorID, &p.PatientID, &p.Status, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
			&d.ID, &d.UserID, &d.FullName, &d.Specialization, &d.LicenseNumber, &d.HospitalName); err != nil {
			return nil, 0, fmt.Errorf("scan permission request: %w", err)
		}
		p.Doctor = &d
		items = append(items, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate permission requests: %w", err)
	}
	return items, total, nil
}

func (r *permissionRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, f ListFilter, limit, offset int) ([]*PermissionRequest, int, error) {
	where := `pr.doctor_id = $1`
	args := []interface{}{doctorID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(` AND pr.status = $%d`, len(args))
	}
	if f.ActiveAt != nil {
		args = append(args, *f.ActiveAt)
		where += fmt.Sprintf(` AND (pr.expires_at IS NULL OR pr.expires_at > $%d)`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM permission_request pr WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count permission requests: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT pr.id, pr.doctor_id, pr.patient_id, pr.status, pr.expires_at, pr.created_at, pr.updated_at,
			p.id, p.user_id, p.patient_uuid, p.full_name
		FROM permission_request pr
		JOIN patient p ON p.id = pr.patient_id
		WHERE %s
		ORDER BY pr.updated_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list permission requests: %w", err)
	}
	defer rows.Close()

	var items []*PermissionRequest
	for rows.Next() {
		var p PermissionRequest
		var pt Patient
		if err := rows.Scan(&p.ID, &p.DoctorID, &p.PatientID, &p.Status, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
			&pt.ID, &pt.UserID, &pt.PatientUUID, &pt.FullName); err != nil {
			return nil, 0, fmt.Errorf("scan permission request: %w", err)
		}
		p.Patient = &pt
		items = append(items, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate permission requests: %w", err)
	}
	return items, total, nil
}

// =========== File Access Request Repository ===========

type fileAccessRepoPG struct{ pgRepo }

const fileAccessCols = `id, doctor_id, record_id, status, expires_at, created_at, updated_at`

func scanFileAccess(row pgx.Row) (*FileAccessRequest, error) {
	var f FileAccessRequest
	if err := row.Scan(&f.ID, &f.DoctorID, &f.RecordID, &f.Status, &f.ExpiresAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, notFound(err, "file access request")
	}
	return &f, nil
}

func (r *fileAccessRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FileAccessRequest, error) {
	return scanFileAccess(r.conn(ctx).QueryRow(ctx,
		`SELECT `+fileAccessCols+` FROM file_access_request WHERE id = $1`, id))
}

func (r *fileAccessRepoPG) UpsertPending(ctx context.Context, doctorID, recordID uuid.UUID) (*FileAccessRequest, error) {
	return scanFileAccess(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO file_access_request (id, doctor_id, record_id, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (doctor_id, record_id)
		DO UPDATE SET status = 'PENDING', expires_at = NULL, updated_at = NOW()
		RETURNING `+fileAccessCols,
		uuid.New(), doctorID, recordID))
}

func (r *fileAccessRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, expiresAt *time.Time) (*FileAccessRequest, error) {
	return scanFileAccess(r.conn(ctx).QueryRow(ctx, `
		UPDATE file_access_request SET status = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+fileAccessCols,
		id, status, expiresAt))
}
