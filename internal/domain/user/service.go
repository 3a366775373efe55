package user

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/medconnect/medconnect/internal/platform/auth"
	"github.com/medconnect/medconnect/internal/platform/email"
)

// TxRunner runs fn inside a storage transaction. Production wiring uses
// db.WithTx over the connection pool; tests pass a passthrough.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Config tunes the credential policies.
type Config struct {
	RequireEmailVerification bool
	LockoutThreshold         int
	LockoutWindow            time.Duration
	SendCooldown             time.Duration
	FrontendBaseURL          string
}

// Service implements account, credential, and session operations.
type Service struct {
	repo      Repository
	tokens    *auth.TokenService
	mail      email.Sender
	templates *email.TemplateEngine
	tx        TxRunner
	logger    zerolog.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(repo Repository, tokens *auth.TokenService, mail email.Sender, templates *email.TemplateEngine, tx TxRunner, logger zerolog.Logger, cfg Config) *Service {
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 15 * time.Minute
	}
	if cfg.SendCooldown <= 0 {
		cfg.SendCooldown = time.Minute
	}
	if tx == nil {
		tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		repo:      repo,
		tokens:    tokens,
		mail:      mail,
		templates: templates,
		tx:        tx,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ValidatePassword enforces the password policy: at least 8 characters with
// an upper-case letter, a lower-case letter, a digit, and a punctuation or
// symbol character.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ErrWeakPassword
	}
	return nil
}

// RegisterInput carries a self-service registration request. Profile fields
// are required per role: patients need a medical record number, doctors a
// license number.
type RegisterInput struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Phone       string     `json:"phone"`
	Role        string     `json:"role"`
	DateOfBirth *time.Time `json:"dateOfBirth"`
	Gender      string     `json:"gender"`
	Address     string     `json:"address"`

	MedicalRecordNumber string `json:"medicalRecordNumber"`
	BloodType           string `json:"bloodType"`
	EmergencyContact    string `json:"emergencyContact"`
	EmergencyPhone      string `json:"emergencyPhone"`
	InsuranceNumber     string `json:"insuranceNumber"`

	LicenseNumber string `json:"licenseNumber"`
	Specialty     string `json:"specialty"`
	Department    string `json:"department"`
	YearsOfExp    int    `json:"yearsOfExperience"`
}

// newMedicalRecordNumber generates a portal-unique record number,
// "MRN-" plus 8 hex characters.
func newMedicalRecordNumber() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "MRN-" + strings.ToUpper(hex.EncodeToString(buf))
}

// Register creates an account with its role profile and sends the
// verification email.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, fmt.Errorf("invalid email address")
	}
	if in.FirstName == "" || in.LastName == "" {
		return nil, fmt.Errorf("first and last name are required")
	}
	if !auth.PublicRegistrationRole(in.Role) {
		return nil, fmt.Errorf("role %q cannot self-register", in.Role)
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	switch in.Role {
	case RolePatient:
		if in.MedicalRecordNumber == "" {
			in.MedicalRecordNumber = newMedicalRecordNumber()
		}
	case RoleDoctor:
		if in.LicenseNumber == "" {
			return nil, fmt.Errorf("license number is required")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Email:        in.Email,
		PasswordHash: string(hash),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Role:         in.Role,
		DateOfBirth:  in.DateOfBirth,
		Gender:       in.Gender,
		Address:      in.Address,
		IsActive:     true,
		Preferences:  DefaultPreferences(),
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, u); err != nil {
			return err
		}
		switch in.Role {
		case RolePatient:
			return s.repo.CreatePatientProfile(ctx, &PatientProfile{
				UserID:           u.ID,
				MedicalRecordNum: in.MedicalRecordNumber,
				BloodType:        in.BloodType,
				EmergencyContact: in.EmergencyContact,
				EmergencyPhone:   in.EmergencyPhone,
				InsuranceNumber:  in.InsuranceNumber,
			})
		case RoleDoctor:
			return s.repo.CreateDoctorProfile(ctx, &DoctorProfile{
				UserID:        u.ID,
				LicenseNumber: in.LicenseNumber,
				Specialty:     in.Specialty,
				Department:    in.Department,
				YearsOfExp:    in.YearsOfExp,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sendVerificationEmail(ctx, u)
	s.sendTemplate(ctx, u, "welcome", map[string]string{"first_name": u.FirstName})
	return u, nil
}

// Login authenticates with an email address or phone number plus password.
// Account existence is never revealed: an unknown identifier fails exactly
// like a wrong password.
func (s *Service) Login(ctx context.Context, identifier, password string) (*User, auth.TokenPair, error) {
	// An empty identifier would match accounts whose phone column holds the
	// empty default, letting anonymous requests rack up login failures
	// against an arbitrary account.
	if identifier == "" || password == "" {
		return nil, auth.TokenPair{}, ErrBadCredentials
	}
	u, err := s.repo.GetByLogin(ctx, identifier)
	if err != nil {
		if err == ErrNotFound {
			return nil, auth.TokenPair{}, ErrBadCredentials
		}
		return nil, auth.TokenPair{}, err
	}

	now := s.now()
	if !u.IsActive {
		return nil, auth.TokenPair{}, ErrAccountDisabled
	}
	if u.Locked(now) {
		mins := int((u.LockedUntil.Sub(now) + time.Minute - 1) / time.Minute)
		return nil, auth.TokenPair{}, fmt.Errorf("%w: try again in %d minutes", ErrAccountLocked, mins)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		attempts := u.FailedLoginAttempts + 1
		var lockedUntil *time.Time
		if attempts >= s.cfg.LockoutThreshold {
			until := now.Add(s.cfg.LockoutWindow)
			lockedUntil = &until
			s.logger.Warn().
				Str("email", email.Redact(u.Email)).
				Int("attempts", attempts).
				Time("locked_until", until).
				Msg("account locked after repeated login failures")
		}
		if recErr := s.repo.RecordLoginFailure(ctx, u.ID, attempts, lockedUntil); recErr != nil {
			s.logger.Error().Err(recErr).Msg("failed to record login failure")
		}
		return nil, auth.TokenPair{}, ErrBadCredentials
	}

	if s.cfg.RequireEmailVerification && !u.EmailVerified {
		return nil, auth.TokenPair{}, ErrEmailNotVerified
	}

	pair, err := s.tokens.IssuePair(u.ID, u.Role, u.Email)
	if err != nil {
		return nil, auth.TokenPair{}, err
	}
	if err := s.repo.SetRefreshToken(ctx, u.ID, pair.RefreshToken); err != nil {
		return nil, auth.TokenPair{}, err
	}
	if err := s.repo.RecordLoginSuccess(ctx, u.ID, now); err != nil {
		s.logger.Error().Err(err).Msg("failed to record login success")
	}

	s.logger.Info().
		Str("email", email.Redact(u.Email)).
		Str("role", u.Role).
		Msg("login succeeded")
	return u, pair, nil
}

// Refresh rotates the session. The presented refresh token must match the
// account's session slot exactly; a mismatch means the token was already
// rotated away, so the slot is cleared and the session chain ends.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*User, auth.TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, auth.TokenPair{}, ErrTokenInvalid
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, auth.TokenPair{}, ErrTokenInvalid
	}

	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, auth.TokenPair{}, ErrTokenInvalid
	}
	if !u.IsActive {
		return nil, auth.TokenPair{}, ErrAccountDisabled
	}

	pair, err := s.tokens.IssuePair(u.ID, u.Role, u.Email)
	if err != nil {
		return nil, auth.TokenPair{}, err
	}
	if err := s.repo.RotateRefreshToken(ctx, u.ID, refreshToken, pair.RefreshToken); err != nil {
		if err == ErrTokenReused {
			s.logger.Warn().
				Str("email", email.Redact(u.Email)).
				Msg("refresh token reuse detected, session revoked")
		}
		return nil, auth.TokenPair{}, err
	}
	return u, pair, nil
}

// Logout clears the session slot so the outstanding refresh token dies.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	return s.repo.ClearRefreshToken(ctx, userID)
}

// LoadPrincipal implements auth.PrincipalLoader.
func (s *Service) LoadPrincipal(ctx context.Context, userID uuid.UUID) (auth.Principal, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return auth.Principal{}, err
	}
	if !u.IsActive {
		return auth.Principal{}, ErrAccountDisabled
	}
	return auth.Principal{UserID: u.ID, Role: u.Role, Email: u.Email}, nil
}

// ChangePassword replaces the password after verifying the current one. All
// sessions are revoked and a security alert is sent.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return ErrWrongPassword
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, u.ID, string(hash), s.now()); err != nil {
		return err
	}
	if err := s.repo.ClearRefreshToken(ctx, u.ID); err != nil {
		s.logger.Error().Err(err).Msg("failed to revoke sessions after password change")
	}

	s.sendSecurityAlert(ctx, u, "Your password was changed. All active sessions have been signed out.")
	return nil
}

// ForgotPassword starts a password reset. The response is identical whether
// or not the address is registered; repeat requests for a registered address
// inside the cooldown get ErrCooldown.
func (s *Service) ForgotPassword(ctx context.Context, emailAddr string) error {
	u, err := s.repo.GetByEmail(ctx, emailAddr)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	now := s.now()
	if u.ResetSentAt != nil && now.Sub(*u.ResetSentAt) < s.cfg.SendCooldown {
		return ErrCooldown
	}

	token, err := s.tokens.IssueReset(u.ID, u.Email)
	if err != nil {
		return err
	}
	s.sendTemplate(ctx, u, "password-reset", map[string]string{
		"first_name": u.FirstName,
		"reset_link": s.cfg.FrontendBaseURL + "/reset-password?token=" + token,
	})
	if err := s.repo.TouchResetSent(ctx, u.ID, now); err != nil {
		s.logger.Error().Err(err).Msg("failed to record reset email timestamp")
	}
	return nil
}

// ResetPassword completes a password reset with a token from the reset email.
// All sessions are revoked.
func (s *Service) ResetPassword(ctx context.Context, token, next string) error {
	claims, err := s.tokens.VerifyReset(token)
	if err != nil {
		return ErrTokenInvalid
	}
	userID, err := claims.UserID()
	if err != nil {
		return ErrTokenInvalid
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}

	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return ErrTokenInvalid
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, u.ID, string(hash), s.now()); err != nil {
		return err
	}
	if err := s.repo.ClearRefreshToken(ctx, u.ID); err != nil {
		s.logger.Error().Err(err).Msg("failed to revoke sessions after password reset")
	}

	s.sendSecurityAlert(ctx, u, "Your password was reset. All active sessions have been signed out.")
	return nil
}

// VerifyEmail marks the account verified. Verifying an already-verified
// account is a no-op.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	claims, err := s.tokens.VerifyVerification(token)
	if err != nil {
		return ErrTokenInvalid
	}
	userID, err := claims.UserID()
	if err != nil {
		return ErrTokenInvalid
	}

	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return ErrTokenInvalid
	}
	if u.EmailVerified {
		return nil
	}
	if err := s.repo.MarkEmailVerified(ctx, u.ID); err != nil {
		return err
	}
	return nil
}

// ResendVerification sends another verification email to the authenticated
// account. Already-verified accounts get ErrAlreadyVerified; repeats inside
// the cooldown get ErrCooldown.
func (s *Service) ResendVerification(ctx context.Context, userID uuid.UUID) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return ErrAlreadyVerified
	}
	now := s.now()
	if u.VerificationSentAt != nil && now.Sub(*u.VerificationSentAt) < s.cfg.SendCooldown {
		return ErrCooldown
	}
	s.sendVerificationEmail(ctx, u)
	return nil
}

// Profile bundles the account with its role-specific profile.
type Profile struct {
	User    *User           `json:"user"`
	Patient *PatientProfile `json:"patientProfile,omitempty"`
	Doctor  *DoctorProfile  `json:"doctorProfile,omitempty"`
}

// GetProfile returns the account and its role profile.
func (s *Service) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := &Profile{User: u}
	switch u.Role {
	case RolePatient:
		if pat, err := s.repo.GetPatientProfile(ctx, userID); err == nil {
			p.Patient = pat
		}
	case RoleDoctor:
		if doc, err := s.repo.GetDoctorProfile(ctx, userID); err == nil {
			p.Doctor = doc
		}
	}
	return p, nil
}

// UpdateProfileInput carries the mutable profile fields.
type UpdateProfileInput struct {
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Phone       string     `json:"phone"`
	DateOfBirth *time.Time `json:"dateOfBirth"`
	Gender      string     `json:"gender"`
	Address     string     `json:"address"`
}

// UpdateProfile updates the account's demographic fields.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, in UpdateProfileInput) (*User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.FirstName != "" {
		u.FirstName = in.FirstName
	}
	if in.LastName != "" {
		u.LastName = in.LastName
	}
	u.Phone = in.Phone
	if in.DateOfBirth != nil {
		u.DateOfBirth = in.DateOfBirth
	}
	if in.Gender != "" {
		u.Gender = in.Gender
	}
	if in.Address != "" {
		u.Address = in.Address
	}
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CompleteProfileInput carries the role-specific registration details filled
// in after signup. Only the fields matching the account's role are honored.
type CompleteProfileInput struct {
	// Patient fields.
	BloodType        string `json:"bloodType"`
	Allergies        string `json:"allergies"`
	EmergencyContact string `json:"emergencyContact"`
	EmergencyPhone   string `json:"emergencyPhone"`
	InsuranceNumber  string `json:"insuranceNumber"`

	// Doctor fields.
	LicenseNumber string `json:"licenseNumber"`
	Specialty     string `json:"specialty"`
	Department    string `json:"department"`
	YearsOfExp    int    `json:"yearsOfExperience"`
}

// CompleteProfile fills the role-specific sub-record, creating it on first
// call for accounts that predate it.
func (s *Service) CompleteProfile(ctx context.Context, userID uuid.UUID, in CompleteProfileInput) (*Profile, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch u.Role {
	case RolePatient:
		p, err := s.repo.GetPatientProfile(ctx, userID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			p = &PatientProfile{UserID: userID, MedicalRecordNum: newMedicalRecordNumber()}
			if err := s.repo.CreatePatientProfile(ctx, p); err != nil {
				return nil, err
			}
		}
		if in.BloodType != "" {
			p.BloodType = in.BloodType
		}
		if in.Allergies != "" {
			p.Allergies = in.Allergies
		}
		if in.EmergencyContact != "" {
			p.EmergencyContact = in.EmergencyContact
		}
		if in.EmergencyPhone != "" {
			p.EmergencyPhone = in.EmergencyPhone
		}
		if in.InsuranceNumber != "" {
			p.InsuranceNumber = in.InsuranceNumber
		}
		if err := s.repo.UpdatePatientProfile(ctx, p); err != nil {
			return nil, err
		}
		return &Profile{User: u, Patient: p}, nil

	case RoleDoctor:
		d, err := s.repo.GetDoctorProfile(ctx, userID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if in.LicenseNumber == "" {
				return nil, fmt.Errorf("license number is required")
			}
			d = &DoctorProfile{UserID: userID, LicenseNumber: in.LicenseNumber}
			if err := s.repo.CreateDoctorProfile(ctx, d); err != nil {
				return nil, err
			}
		}
		if in.LicenseNumber != "" {
			d.LicenseNumber = in.LicenseNumber
		}
		if in.Specialty != "" {
			d.Specialty = in.Specialty
		}
		if in.Department != "" {
			d.Department = in.Department
		}
		if in.YearsOfExp > 0 {
			d.YearsOfExp = in.YearsOfExp
		}
		if err := s.repo.UpdateDoctorProfile(ctx, d); err != nil {
			return nil, err
		}
		return &Profile{User: u, Doctor: d}, nil
	}

	return nil, fmt.Errorf("role %s has no extended profile", u.Role)
}

// UpdatePreferences replaces the notification preferences.
func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, prefs Preferences) error {
	return s.repo.UpdatePreferences(ctx, userID, prefs)
}

// UpdateAvatar stores the avatar URL.
func (s *Service) UpdateAvatar(ctx context.Context, userID uuid.UUID, url string) error {
	return s.repo.UpdateAvatar(ctx, userID, url)
}

// RegisterPushToken stores the device token for push delivery. An empty token
// unregisters the device.
func (s *Service) RegisterPushToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.UpdatePushToken(ctx, userID, token)
}

// Deactivate soft-deletes the caller's own account and revokes its sessions.
func (s *Service) Deactivate(ctx context.Context, userID uuid.UUID) error {
	return s.repo.SoftDelete(ctx, userID)
}

// -- admin operations --

func (s *Service) ListUsers(ctx context.Context, filter ListFilter, limit, offset int) ([]*User, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return s.GetProfile(ctx, id)
}

func (s *Service) ListActiveByRole(ctx context.Context, role string) ([]*User, error) {
	return s.repo.ListActiveByRole(ctx, role)
}

// GetAccount returns the raw account record. The notification dispatcher uses
// it to resolve contact details and preferences.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateRole changes an account's role.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, role string) error {
	if !auth.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	return s.repo.UpdateRole(ctx, id, role)
}

// SetUserActive activates or deactivates an account. Deactivation revokes
// sessions.
func (s *Service) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		return s.repo.ClearRefreshToken(ctx, id)
	}
	return nil
}

// DeleteUser soft-deletes an account.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.repo.SoftDelete(ctx, id)
}

// Statistics returns the account summary for the admin dashboard.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	return s.repo.Statistics(ctx)
}

// -- email helpers --

func (s *Service) sendVerificationEmail(ctx context.Context, u *User) {
	token, err := s.tokens.IssueVerification(u.ID, u.Email)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to issue verification token")
		return
	}
	s.sendTemplate(ctx, u, "email-verification", map[string]string{
		"first_name":  u.FirstName,
		"verify_link": s.cfg.FrontendBaseURL + "/verify-email?token=" + token,
	})
	if err := s.repo.TouchVerificationSent(ctx, u.ID, s.now()); err != nil {
		s.logger.Error().Err(err).Msg("failed to record verification email timestamp")
	}
}

func (s *Service) sendSecurityAlert(ctx context.Context, u *User, message string) {
	s.sendTemplate(ctx, u, "security-alert", map[string]string{
		"first_name": u.FirstName,
		"message":    message,
	})
}

func (s *Service) sendTemplate(ctx context.Context, u *User, templateID string, data map[string]string) {
	subject, body, err := s.templates.Render(templateID, data)
	if err != nil {
		s.logger.Error().Err(err).Str("template", templateID).Msg("failed to render email")
		return
	}
	if err := s.mail.Send(ctx, u.Email, subject, body); err != nil {
		s.logger.Error().Err(err).
			Str("template", templateID).
			Str("to", email.Redact(u.Email)).
			Msg("failed to send email")
	}
}
