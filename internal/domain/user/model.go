// Package user implements accounts, credentials, sessions, and profiles for
// the patient portal.
package user

import (
	"time"

	"github.com/google/uuid"

	"github.com/medconnect/medconnect/internal/platform/auth"
)

// Roles mirror the authorization package so domain code can name them
// without reaching into it.
const (
	RolePatient    = auth.RolePatient
	RoleDoctor     = auth.RoleDoctor
	RoleNurse      = auth.RoleNurse
	RoleTechnician = auth.RoleTechnician
	RoleStaff      = auth.RoleStaff
	RoleAdmin      = auth.RoleAdmin
)

// User is a portal account. PasswordHash and RefreshToken never leave the
// server.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	Phone         string     `json:"phone,omitempty"`
	Role          string     `json:"role"`
	DateOfBirth   *time.Time `json:"dateOfBirth,omitempty"`
	Gender        string     `json:"gender,omitempty"`
	Address       string     `json:"address,omitempty"`
	AvatarURL     string     `json:"avatarUrl,omitempty"`
	EmailVerified bool       `json:"emailVerified"`
	IsActive      bool       `json:"isActive"`

	Preferences Preferences `json:"notificationPreferences"`

	// PushToken is the device token for push delivery, empty when no device
	// is registered.
	PushToken string `json:"-"`

	// RefreshToken is the single active session slot. A login or refresh
	// overwrites it; presenting a token that no longer matches the slot is
	// treated as reuse and clears the session.
	RefreshToken string `json:"-"`

	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	LoginCount          int        `json:"loginCount"`

	VerificationSentAt *time.Time `json:"-"`
	ResetSentAt        *time.Time `json:"-"`
	PasswordChangedAt  *time.Time `json:"-"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"-"`
}

// FullName returns the display name for message templates.
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Locked reports whether the account is locked out of password login at t.
func (u *User) Locked(t time.Time) bool {
	return u.LockedUntil != nil && t.Before(*u.LockedUntil)
}

// Preferences controls which delivery channels a user accepts, per channel
// and per notification category. Absent category keys default to enabled.
// Stored as JSONB on the users row.
type Preferences struct {
	Email      bool            `json:"email"`
	SMS        bool            `json:"sms"`
	Push       bool            `json:"push"`
	Categories map[string]bool `json:"categories,omitempty"`
}

// DefaultPreferences enables every channel and no category overrides.
func DefaultPreferences() Preferences {
	return Preferences{Email: true, SMS: true, Push: true}
}

// ChannelEnabled reports whether the given channel is accepted for the given
// category. Security and critical alert categories are always delivered.
func (p Preferences) ChannelEnabled(channel, category string) bool {
	if category == "security" || category == "critical_alerts" {
		return true
	}
	if enabled, ok := p.Categories[category]; ok && !enabled {
		return false
	}
	switch channel {
	case "email":
		return p.Email
	case "sms":
		return p.SMS
	case "push":
		return p.Push
	}
	return false
}

// PatientProfile extends a patient account with clinical registration data.
// The medical record number is unique across the portal.
type PatientProfile struct {
	UserID           uuid.UUID `json:"userId"`
	MedicalRecordNum string    `json:"medicalRecordNumber"`
	BloodType        string    `json:"bloodType,omitempty"`
	Allergies        string    `json:"allergies,omitempty"`
	EmergencyContact string    `json:"emergencyContact,omitempty"`
	EmergencyPhone   string    `json:"emergencyPhone,omitempty"`
	InsuranceNumber  string    `json:"insuranceNumber,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DoctorProfile extends a doctor account. The license number is unique.
type DoctorProfile struct {
	UserID        uuid.UUID `json:"userId"`
	LicenseNumber string    `json:"licenseNumber"`
	Specialty     string    `json:"specialty,omitempty"`
	Department    string    `json:"department,omitempty"`
	YearsOfExp    int       `json:"yearsOfExperience,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Statistics summarizes the account base for the admin dashboard.
type Statistics struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Verified   int            `json:"verified"`
	ByRole     map[string]int `json:"byRole"`
	NewLast30d int            `json:"newLast30Days"`
}
