package user

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows the admin user listing.
type ListFilter struct {
	Role     string
	Active   *bool
	Verified *bool
	Search   string // matches name or email
}

// Repository defines the persistence interface for accounts and profiles.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// GetByLogin resolves a login identifier, either an email address
	// (matched lowercased) or a phone number.
	GetByLogin(ctx context.Context, identifier string) (*User, error)
	Update(ctx context.Context, u *User) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*User, int, error)
	ListActiveByRole(ctx context.Context, role string) ([]*User, error)

	UpdatePassword(ctx context.Context, id uuid.UUID, hash string, changedAt time.Time) error
	UpdatePreferences(ctx context.Context, id uuid.UUID, prefs Preferences) error
	UpdateAvatar(ctx context.Context, id uuid.UUID, url string) error
	UpdatePushToken(ctx context.Context, id uuid.UUID, token string) error

	SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error
	// RotateRefreshToken atomically replaces the session slot only when it
	// still holds old. A mismatch clears the slot and returns ErrTokenReused.
	RotateRefreshToken(ctx context.Context, id uuid.UUID, old, next string) error
	ClearRefreshToken(ctx context.Context, id uuid.UUID) error

	RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	TouchVerificationSent(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchResetSent(ctx context.Context, id uuid.UUID, at time.Time) error

	UpdateRole(ctx context.Context, id uuid.UUID, role string) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SoftDelete(ctx context.Context, id uuid.UUID) error

	Statistics(ctx context.Context) (*Statistics, error)

	CreatePatientProfile(ctx context.Context, p *PatientProfile) error
	GetPatientProfile(ctx context.Context, userID uuid.UUID) (*PatientProfile, error)
	UpdatePatientProfile(ctx context.Context, p *PatientProfile) error

	CreateDoctorProfile(ctx context.Context, p *DoctorProfile) error
	GetDoctorProfile(ctx context.Context, userID uuid.UUID) (*DoctorProfile, error)
	UpdateDoctorProfile(ctx context.Context, p *DoctorProfile) error
}
