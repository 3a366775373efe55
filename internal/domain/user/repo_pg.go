package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medconnect/medconnect/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the Postgres-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const userColumns = `
	id, email, password_hash, first_name, last_name, phone, role,
	date_of_birth, gender, address, avatar_url, email_verified, is_active,
	preferences, push_token, refresh_token,
	failed_login_attempts, locked_until, last_login_at, login_count,
	verification_sent_at, reset_sent_at, password_changed_at,
	created_at, updated_at, deleted_at`

func (r *repoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO users (
			id, email, password_hash, first_name, last_name, phone, role,
			date_of_birth, gender, address, email_verified, is_active, preferences
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13
		)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone, u.Role,
		u.DateOfBirth, u.Gender, u.Address, u.EmailVerified, u.IsActive, prefs,
	)
	return mapUniqueViolation(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND deleted_at IS NULL`,
		strings.ToLower(email)))
}

func (r *repoPG) GetByLogin(ctx context.Context, identifier string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE (email = $1 OR (phone <> '' AND phone = $2)) AND deleted_at IS NULL`,
		strings.ToLower(identifier), identifier))
}

func (r *repoPG) Update(ctx context.Context, u *User) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET
			first_name = $2, last_name = $3, phone = $4,
			date_of_birth = $5, gender = $6, address = $7,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		u.ID, u.FirstName, u.LastName, u.Phone,
		u.DateOfBirth, u.Gender, u.Address,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*User, int, error) {
	where := ` WHERE deleted_at IS NULL`
	var args []interface{}
	idx := 1

	if filter.Role != "" {
		where += fmt.Sprintf(` AND role = $%d`, idx)
		args = append(args, filter.Role)
		idx++
	}
	if filter.Active != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, idx)
		args = append(args, *filter.Active)
		idx++
	}
	if filter.Verified != nil {
		where += fmt.Sprintf(` AND email_verified = $%d`, idx)
		args = append(args, *filter.Verified)
		idx++
	}
	if filter.Search != "" {
		where += fmt.Sprintf(` AND (email ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d)`, idx, idx, idx)
		args = append(args, "%"+filter.Search+"%")
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + userColumns + ` FROM users` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUserRow(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func (r *repoPG) ListActiveByRole(ctx context.Context, role string) ([]*User, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE role = $1 AND is_active = TRUE AND deleted_at IS NULL
		 ORDER BY created_at`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *repoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string, changedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET password_hash = $2, password_changed_at = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, hash, changedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdatePreferences(ctx context.Context, id uuid.UUID, prefs Preferences) error {
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET preferences = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdateAvatar(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET avatar_url = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, url)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdatePushToken(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET push_token = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET refresh_token = $2, updated_at = NOW() WHERE id = $1`, id, token)
	return err
}

func (r *repoPG) RotateRefreshToken(ctx context.Context, id uuid.UUID, old, next string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET refresh_token = $3, updated_at = NOW()
		WHERE id = $1 AND refresh_token = $2`, id, old, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Slot no longer holds the presented token. Kill the session chain.
		if _, clearErr := r.conn(ctx).Exec(ctx,
			`UPDATE users SET refresh_token = '', updated_at = NOW() WHERE id = $1`, id); clearErr != nil {
			return clearErr
		}
		return ErrTokenReused
	}
	return nil
}

func (r *repoPG) ClearRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET refresh_token = '', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *repoPG) RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET failed_login_attempts = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1`, id, attempts, lockedUntil)
	return err
}

func (r *repoPG) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET
			failed_login_attempts = 0, locked_until = NULL,
			last_login_at = $2, login_count = login_count + 1, updated_at = NOW()
		WHERE id = $1`, id, at)
	return err
}

func (r *repoPG) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET email_verified = TRUE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) TouchVerificationSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET verification_sent_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *repoPG) TouchResetSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET reset_sent_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *repoPG) UpdateRole(ctx context.Context, id uuid.UUID, role string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET role = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET is_active = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET deleted_at = NOW(), is_active = FALSE, refresh_token = '', updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ByRole: make(map[string]int)}

	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active),
		       COUNT(*) FILTER (WHERE email_verified),
		       COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '30 days')
		FROM users WHERE deleted_at IS NULL`).
		Scan(&stats.Total, &stats.Active, &stats.Verified, &stats.NewLast30d)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT role, COUNT(*) FROM users WHERE deleted_at IS NULL GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, err
		}
		stats.ByRole[role] = count
	}
	return stats, rows.Err()
}

// -- Patient profiles --

func (r *repoPG) CreatePatientProfile(ctx context.Context, p *PatientProfile) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_profiles (
			user_id, medical_record_number, blood_type, allergies,
			emergency_contact, emergency_phone, insurance_number
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.UserID, p.MedicalRecordNum, p.BloodType, p.Allergies,
		p.EmergencyContact, p.EmergencyPhone, p.InsuranceNumber,
	)
	return mapUniqueViolation(err)
}

func (r *repoPG) GetPatientProfile(ctx context.Context, userID uuid.UUID) (*PatientProfile, error) {
	p := &PatientProfile{}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT user_id, medical_record_number, blood_type, allergies,
		       emergency_contact, emergency_phone, insurance_number,
		       created_at, updated_at
		FROM patient_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.MedicalRecordNum, &p.BloodType, &p.Allergies,
			&p.EmergencyContact, &p.EmergencyPhone, &p.InsuranceNumber,
			&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *repoPG) UpdatePatientProfile(ctx context.Context, p *PatientProfile) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_profiles SET
			blood_type = $2, allergies = $3, emergency_contact = $4,
			emergency_phone = $5, insurance_number = $6, updated_at = NOW()
		WHERE user_id = $1`,
		p.UserID, p.BloodType, p.Allergies, p.EmergencyContact,
		p.EmergencyPhone, p.InsuranceNumber,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Doctor profiles --

func (r *repoPG) CreateDoctorProfile(ctx context.Context, p *DoctorProfile) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_profiles (
			user_id, license_number, specialty, department, years_of_experience
		) VALUES ($1, $2, $3, $4, $5)`,
		p.UserID, p.LicenseNumber, p.Specialty, p.Department, p.YearsOfExp,
	)
	return mapUniqueViolation(err)
}

func (r *repoPG) GetDoctorProfile(ctx context.Context, userID uuid.UUID) (*DoctorProfile, error) {
	p := &DoctorProfile{}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT user_id, license_number, specialty, department, years_of_experience,
		       created_at, updated_at
		FROM doctor_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.LicenseNumber, &p.Specialty, &p.Department, &p.YearsOfExp,
			&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *repoPG) UpdateDoctorProfile(ctx context.Context, p *DoctorProfile) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor_profiles SET
			specialty = $2, department = $3, years_of_experience = $4, updated_at = NOW()
		WHERE user_id = $1`,
		p.UserID, p.Specialty, p.Department, p.YearsOfExp,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- scanning --

func (r *repoPG) scanUser(row pgx.Row) (*User, error) {
	return scanUserFrom(row)
}

func (r *repoPG) scanUserRow(rows pgx.Rows) (*User, error) {
	return scanUserFrom(rows)
}

func scanUserFrom(row pgx.Row) (*User, error) {
	u := &User{}
	var prefs []byte
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone, &u.Role,
		&u.DateOfBirth, &u.Gender, &u.Address, &u.AvatarURL, &u.EmailVerified, &u.IsActive,
		&prefs, &u.PushToken, &u.RefreshToken,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt, &u.LoginCount,
		&u.VerificationSentAt, &u.ResetSentAt, &u.PasswordChangedAt,
		&u.CreatedAt, &u.UpdatedAt, &u.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	} else {
		u.Preferences = DefaultPreferences()
	}
	return u, nil
}

// mapUniqueViolation translates Postgres unique violations into domain errors
// by constraint name.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "email"):
			return ErrDuplicateEmail
		case strings.Contains(pgErr.ConstraintName, "phone"):
			return ErrDuplicatePhone
		case strings.Contains(pgErr.ConstraintName, "medical_record"):
			return ErrDuplicateMRN
		case strings.Contains(pgErr.ConstraintName, "license"):
			return ErrDuplicateLicense
		}
	}
	return err
}
