package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/medconnect/medconnect/internal/platform/auth"
	"github.com/medconnect/medconnect/internal/platform/email"
)

// mockRepo is an in-memory Repository.
type mockRepo struct {
	users    map[uuid.UUID]*User
	patients map[uuid.UUID]*PatientProfile
	doctors  map[uuid.UUID]*DoctorProfile

	failCreate error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		users:    make(map[uuid.UUID]*User),
		patients: make(map[uuid.UUID]*PatientProfile),
		doctors:  make(map[uuid.UUID]*DoctorProfile),
	}
}

func (m *mockRepo) Create(_ context.Context, u *User) error {
	if m.failCreate != nil {
		return m.failCreate
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *mockRepo) GetByEmail(_ context.Context, emailAddr string) (*User, error) {
	for _, u := range m.users {
		if u.Email == strings.ToLower(emailAddr) && u.DeletedAt == nil {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetByLogin(_ context.Context, identifier string) (*User, error) {
	for _, u := range m.users {
		if u.DeletedAt != nil {
			continue
		}
		if u.Email == strings.ToLower(identifier) || (u.Phone != "" && u.Phone == identifier) {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, u *User) error {
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	m.users[u.ID] = u
	return nil
}

func (m *mockRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*User, int, error) {
	var out []*User
	for _, u := range m.users {
		if u.DeletedAt != nil {
			continue
		}
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if filter.Active != nil && u.IsActive != *filter.Active {
			continue
		}
		out = append(out, u)
	}
	return out, len(out), nil
}

func (m *mockRepo) ListActiveByRole(_ context.Context, role string) ([]*User, error) {
	var out []*User
	for _, u := range m.users {
		if u.Role == role && u.IsActive && u.DeletedAt == nil {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdatePassword(_ context.Context, id uuid.UUID, hash string, changedAt time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.PasswordChangedAt = &changedAt
	return nil
}

func (m *mockRepo) UpdatePreferences(_ context.Context, id uuid.UUID, prefs Preferences) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Preferences = prefs
	return nil
}

func (m *mockRepo) UpdateAvatar(_ context.Context, id uuid.UUID, url string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.AvatarURL = url
	return nil
}

func (m *mockRepo) UpdatePushToken(_ context.Context, id uuid.UUID, token string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PushToken = token
	return nil
}

func (m *mockRepo) SetRefreshToken(_ context.Context, id uuid.UUID, token string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.RefreshToken = token
	return nil
}

func (m *mockRepo) RotateRefreshToken(_ context.Context, id uuid.UUID, old, next string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.RefreshToken != old {
		u.RefreshToken = ""
		return ErrTokenReused
	}
	u.RefreshToken = next
	return nil
}

func (m *mockRepo) ClearRefreshToken(_ context.Context, id uuid.UUID) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.RefreshToken = ""
	return nil
}

func (m *mockRepo) RecordLoginFailure(_ context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = attempts
	u.LockedUntil = lockedUntil
	return nil
}

func (m *mockRepo) RecordLoginSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	u.LoginCount++
	return nil
}

func (m *mockRepo) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

func (m *mockRepo) TouchVerificationSent(_ context.Context, id uuid.UUID, at time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.VerificationSentAt = &at
	return nil
}

func (m *mockRepo) TouchResetSent(_ context.Context, id uuid.UUID, at time.Time) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.ResetSentAt = &at
	return nil
}

func (m *mockRepo) UpdateRole(_ context.Context, id uuid.UUID, role string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	return nil
}

func (m *mockRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsActive = active
	return nil
}

func (m *mockRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	u.DeletedAt = &now
	u.IsActive = false
	u.RefreshToken = ""
	return nil
}

func (m *mockRepo) Statistics(_ context.Context) (*Statistics, error) {
	stats := &Statistics{ByRole: make(map[string]int)}
	for _, u := range m.users {
		if u.DeletedAt != nil {
			continue
		}
		stats.Total++
		if u.IsActive {
			stats.Active++
		}
		if u.EmailVerified {
			stats.Verified++
		}
		stats.ByRole[u.Role]++
	}
	return stats, nil
}

func (m *mockRepo) CreatePatientProfile(_ context.Context, p *PatientProfile) error {
	for _, existing := range m.patients {
		if existing.MedicalRecordNum == p.MedicalRecordNum {
			return ErrDuplicateMRN
		}
	}
	m.patients[p.UserID] = p
	return nil
}

func (m *mockRepo) GetPatientProfile(_ context.Context, userID uuid.UUID) (*PatientProfile, error) {
	p, ok := m.patients[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) UpdatePatientProfile(_ context.Context, p *PatientProfile) error {
	if _, ok := m.patients[p.UserID]; !ok {
		return ErrNotFound
	}
	m.patients[p.UserID] = p
	return nil
}

func (m *mockRepo) CreateDoctorProfile(_ context.Context, p *DoctorProfile) error {
	for _, existing := range m.doctors {
		if existing.LicenseNumber == p.LicenseNumber {
			return ErrDuplicateLicense
		}
	}
	m.doctors[p.UserID] = p
	return nil
}

func (m *mockRepo) GetDoctorProfile(_ context.Context, userID uuid.UUID) (*DoctorProfile, error) {
	p, ok := m.doctors[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) UpdateDoctorProfile(_ context.Context, p *DoctorProfile) error {
	if _, ok := m.doctors[p.UserID]; !ok {
		return ErrNotFound
	}
	m.doctors[p.UserID] = p
	return nil
}

// -- fixtures --

type fixture struct {
	repo   *mockRepo
	mail   *email.MockSender
	tokens *auth.TokenService
	svc    *Service
	clock  *time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newMockRepo()
	mail := &email.MockSender{}
	tokens := auth.NewTokenService("access-secret-for-tests", "refresh-secret-for-tests",
		auth.WithClock(func() time.Time { return now }))
	svc := NewService(repo, tokens, mail, email.NewTemplateEngine(), nil, zerolog.Nop(), cfg)
	svc.now = func() time.Time { return now }
	return &fixture{repo: repo, mail: mail, tokens: tokens, svc: svc, clock: &now}
}

func (f *fixture) seedUser(t *testing.T, emailAddr, password, role string, mutate ...func(*User)) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &User{
		ID:            uuid.New(),
		Email:         emailAddr,
		PasswordHash:  string(hash),
		FirstName:     "Test",
		LastName:      "User",
		Role:          role,
		EmailVerified: true,
		IsActive:      true,
		Preferences:   DefaultPreferences(),
	}
	for _, fn := range mutate {
		fn(u)
	}
	f.repo.users[u.ID] = u
	return u
}

// -- tests --

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Str0ng!pass", false},
		{"too short", "S0r!t", true},
		{"no upper", "str0ng!pass", true},
		{"no lower", "STR0NG!PASS", true},
		{"no digit", "Strong!pass", true},
		{"no special", "Str0ngpass", true},
		{"symbol counts as special", "Str0ng+pass", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword(%q) err = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
		})
	}
}

func TestRegisterPatient(t *testing.T) {
	f := newFixture(t, Config{FrontendBaseURL: "https://portal.example.com"})

	u, err := f.svc.Register(context.Background(), RegisterInput{
		Email:               "Jane.Doe@Example.com",
		Password:            "Str0ng!pass",
		FirstName:           "Jane",
		LastName:            "Doe",
		Role:                RolePatient,
		MedicalRecordNumber: "MRN-001",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "jane.doe@example.com" {
		t.Errorf("email = %q, want lowercased", u.Email)
	}
	if u.EmailVerified {
		t.Error("new account must start unverified")
	}
	if !u.IsActive {
		t.Error("new account must start active")
	}
	if !u.Preferences.Email || !u.Preferences.SMS || !u.Preferences.Push {
		t.Errorf("preferences = %+v, want all channels enabled", u.Preferences)
	}
	if _, ok := f.repo.patients[u.ID]; !ok {
		t.Error("patient profile not created")
	}

	calls := f.mail.Calls()
	if len(calls) != 2 {
		t.Fatalf("sent %d emails, want verification plus welcome", len(calls))
	}
	if !strings.Contains(calls[0].Body, "verify-email?token=") {
		t.Errorf("verification email missing link: %q", calls[0].Body)
	}
	if !strings.Contains(calls[1].Subject, "Welcome") {
		t.Errorf("second email subject = %q, want welcome", calls[1].Subject)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"weak password", RegisterInput{Email: "a@b.com", Password: "weak", FirstName: "A", LastName: "B", Role: RolePatient, MedicalRecordNumber: "M1"}},
		{"bad email", RegisterInput{Email: "not-an-email", Password: "Str0ng!pass", FirstName: "A", LastName: "B", Role: RolePatient, MedicalRecordNumber: "M1"}},
		{"admin role refused", RegisterInput{Email: "a@b.com", Password: "Str0ng!pass", FirstName: "A", LastName: "B", Role: RoleAdmin}},
		{"staff role refused", RegisterInput{Email: "a@b.com", Password: "Str0ng!pass", FirstName: "A", LastName: "B", Role: RoleStaff}},
		{"missing first name", RegisterInput{Email: "a@b.com", Password: "Str0ng!pass", LastName: "B", Role: RolePatient}},
		{"doctor without license", RegisterInput{Email: "a@b.com", Password: "Str0ng!pass", FirstName: "A", LastName: "B", Role: RoleDoctor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Register(context.Background(), tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegisterGeneratesMedicalRecordNumber(t *testing.T) {
	f := newFixture(t, Config{})

	u, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "gen@example.com", Password: "Str0ng!pass",
		FirstName: "A", LastName: "B", Role: RolePatient,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, err := f.repo.GetPatientProfile(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetPatientProfile: %v", err)
	}
	if !strings.HasPrefix(p.MedicalRecordNum, "MRN-") || len(p.MedicalRecordNum) != len("MRN-")+8 {
		t.Errorf("generated record number = %q, want MRN- plus 8 hex chars", p.MedicalRecordNum)
	}
}

func TestLoginByPhone(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "phone@example.com", "Str0ng!pass", RolePatient)
	u.Phone = "+15557654321"

	got, _, err := f.svc.Login(context.Background(), "+15557654321", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login by phone: %v", err)
	}
	if got.ID != u.ID {
		t.Error("wrong account resolved for phone login")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "taken@example.com", "Str0ng!pass", RolePatient)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "taken@example.com", Password: "Str0ng!pass",
		FirstName: "A", LastName: "B", Role: RolePatient, MedicalRecordNumber: "M9",
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "doc@example.com", "Str0ng!pass", RoleDoctor, func(u *User) {
		u.FailedLoginAttempts = 3
	})

	got, pair, err := f.svc.Login(context.Background(), "doc@example.com", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("logged in as %s, want %s", got.ID, u.ID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("expected token pair")
	}
	if u.RefreshToken != pair.RefreshToken {
		t.Error("session slot not set to issued refresh token")
	}
	if u.FailedLoginAttempts != 0 {
		t.Errorf("failed attempts = %d, want reset to 0", u.FailedLoginAttempts)
	}
	if u.LoginCount != 1 {
		t.Errorf("login count = %d, want 1", u.LoginCount)
	}
	if u.LastLoginAt == nil {
		t.Error("last login not recorded")
	}
}

func TestLoginUnknownEmailLooksLikeBadPassword(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "real@example.com", "Str0ng!pass", RolePatient)

	_, _, errUnknown := f.svc.Login(context.Background(), "ghost@example.com", "Str0ng!pass")
	_, _, errWrongPw := f.svc.Login(context.Background(), "real@example.com", "Wrong!pass1")

	if !errors.Is(errUnknown, ErrBadCredentials) {
		t.Errorf("unknown email err = %v, want ErrBadCredentials", errUnknown)
	}
	if !errors.Is(errWrongPw, ErrBadCredentials) {
		t.Errorf("wrong password err = %v, want ErrBadCredentials", errWrongPw)
	}
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t, Config{LockoutThreshold: 5, LockoutWindow: 15 * time.Minute})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)

	for i := 0; i < 5; i++ {
		_, _, err := f.svc.Login(context.Background(), "p@example.com", "Wrong!pass1")
		if !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("attempt %d: err = %v, want ErrBadCredentials", i+1, err)
		}
	}
	if u.LockedUntil == nil {
		t.Fatal("account not locked after threshold failures")
	}
	wantUntil := f.clock.Add(15 * time.Minute)
	if !u.LockedUntil.Equal(wantUntil) {
		t.Errorf("locked until %s, want %s", u.LockedUntil, wantUntil)
	}

	// The correct password is rejected while locked, and the error tells the
	// user how long to wait.
	_, _, err := f.svc.Login(context.Background(), "p@example.com", "Str0ng!pass")
	if !errors.Is(err, ErrAccountLocked) {
		t.Errorf("during lockout: err = %v, want ErrAccountLocked", err)
	}
	if err == nil || !strings.Contains(err.Error(), "15 minutes") {
		t.Errorf("lock error = %v, want minutes remaining in the message", err)
	}

	// After the window the account unlocks on successful login.
	*f.clock = f.clock.Add(16 * time.Minute)
	if _, _, err := f.svc.Login(context.Background(), "p@example.com", "Str0ng!pass"); err != nil {
		t.Errorf("after lockout window: err = %v, want nil", err)
	}
	if u.LockedUntil != nil {
		t.Error("lock not cleared after successful login")
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "gone@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.IsActive = false
	})

	if _, _, err := f.svc.Login(context.Background(), "gone@example.com", "Str0ng!pass"); !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("err = %v, want ErrAccountDisabled", err)
	}
}

func TestLoginDisabledReportedBeforeLocked(t *testing.T) {
	f := newFixture(t, Config{})
	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f.seedUser(t, "gone@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.IsActive = false
		u.LockedUntil = &until
	})

	if _, _, err := f.svc.Login(context.Background(), "gone@example.com", "Str0ng!pass"); !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("err = %v, want ErrAccountDisabled for a deactivated locked account", err)
	}
}

func TestLoginEmptyIdentifierRejected(t *testing.T) {
	f := newFixture(t, Config{LockoutThreshold: 5, LockoutWindow: 15 * time.Minute})
	// A phoneless account: the phone column holds the empty default.
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)

	for i := 0; i < 6; i++ {
		if _, _, err := f.svc.Login(context.Background(), "", "anything"); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("empty identifier: err = %v, want ErrBadCredentials", err)
		}
	}
	if u.FailedLoginAttempts != 0 || u.LockedUntil != nil {
		t.Errorf("empty-identifier requests counted against an account: attempts = %d, lockedUntil = %v",
			u.FailedLoginAttempts, u.LockedUntil)
	}

	if _, _, err := f.svc.Login(context.Background(), "p@example.com", ""); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("empty password: err = %v, want ErrBadCredentials", err)
	}
}

func TestLoginEmailVerificationGate(t *testing.T) {
	seed := func(f *fixture) {
		f.seedUser(t, "new@example.com", "Str0ng!pass", RolePatient, func(u *User) {
			u.EmailVerified = false
		})
	}

	strict := newFixture(t, Config{RequireEmailVerification: true})
	seed(strict)
	if _, _, err := strict.svc.Login(context.Background(), "new@example.com", "Str0ng!pass"); !errors.Is(err, ErrEmailNotVerified) {
		t.Errorf("strict mode: err = %v, want ErrEmailNotVerified", err)
	}

	lenient := newFixture(t, Config{RequireEmailVerification: false})
	seed(lenient)
	if _, _, err := lenient.svc.Login(context.Background(), "new@example.com", "Str0ng!pass"); err != nil {
		t.Errorf("lenient mode: err = %v, want nil", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)

	_, pair, err := f.svc.Login(context.Background(), "p@example.com", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, next, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh must rotate the token")
	}
	if u.RefreshToken != next.RefreshToken {
		t.Error("session slot not rotated")
	}

	// Replaying the rotated-away token is reuse: rejected and the slot dies.
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenReused) {
		t.Fatalf("replay err = %v, want ErrTokenReused", err)
	}
	if u.RefreshToken != "" {
		t.Error("session slot not cleared after reuse")
	}

	// The current token is dead too.
	if _, _, err := f.svc.Refresh(context.Background(), next.RefreshToken); !errors.Is(err, ErrTokenReused) {
		t.Errorf("post-reuse err = %v, want ErrTokenReused", err)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	f := newFixture(t, Config{})
	if _, _, err := f.svc.Refresh(context.Background(), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestLogoutClearsSlot(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)

	_, pair, err := f.svc.Login(context.Background(), "p@example.com", "Str0ng!pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.svc.Logout(context.Background(), u.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if u.RefreshToken != "" {
		t.Error("session slot not cleared")
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenReused) {
		t.Errorf("refresh after logout: err = %v, want ErrTokenReused", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.RefreshToken = "live-session"
	})

	if err := f.svc.ChangePassword(context.Background(), u.ID, "Wrong!pass1", "N3w!passwd"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong current: err = %v, want ErrWrongPassword", err)
	}
	if err := f.svc.ChangePassword(context.Background(), u.ID, "Str0ng!pass", "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("weak new: err = %v, want ErrWeakPassword", err)
	}

	if err := f.svc.ChangePassword(context.Background(), u.ID, "Str0ng!pass", "N3w!passwd"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("N3w!passwd")); err != nil {
		t.Error("new password not stored")
	}
	if u.RefreshToken != "" {
		t.Error("sessions not revoked after password change")
	}

	calls := f.mail.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Subject, "Security alert") {
		t.Errorf("expected one security alert email, got %+v", calls)
	}
}

func TestForgotPasswordUniformAndCooldown(t *testing.T) {
	f := newFixture(t, Config{SendCooldown: time.Minute, FrontendBaseURL: "https://portal.example.com"})
	f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)

	if err := f.svc.ForgotPassword(context.Background(), "ghost@example.com"); err != nil {
		t.Errorf("unknown email: err = %v, want nil", err)
	}
	if len(f.mail.Calls()) != 0 {
		t.Error("unknown email must not trigger mail")
	}

	if err := f.svc.ForgotPassword(context.Background(), "p@example.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	if calls := f.mail.Calls(); len(calls) != 1 || !strings.Contains(calls[0].Body, "reset-password?token=") {
		t.Fatalf("expected one reset email with link, got %+v", calls)
	}

	// A repeat inside the cooldown is rejected and sends nothing.
	if err := f.svc.ForgotPassword(context.Background(), "p@example.com"); !errors.Is(err, ErrCooldown) {
		t.Errorf("within cooldown: err = %v, want ErrCooldown", err)
	}
	if len(f.mail.Calls()) != 1 {
		t.Error("cooldown must suppress a second email")
	}

	*f.clock = f.clock.Add(2 * time.Minute)
	if err := f.svc.ForgotPassword(context.Background(), "p@example.com"); err != nil {
		t.Errorf("after cooldown: err = %v, want nil", err)
	}
	if len(f.mail.Calls()) != 2 {
		t.Error("expected second email after cooldown")
	}
}

func TestResetPassword(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.RefreshToken = "live-session"
	})

	token, err := f.tokens.IssueReset(u.ID, u.Email)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.ResetPassword(context.Background(), token, "N3w!passwd"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("N3w!passwd")); err != nil {
		t.Error("new password not stored")
	}
	if u.RefreshToken != "" {
		t.Error("sessions not revoked after reset")
	}

	if err := f.svc.ResetPassword(context.Background(), "garbage", "N3w!passwd"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("garbage token: err = %v, want ErrTokenInvalid", err)
	}

	// An access token is not a reset token.
	pair, _ := f.tokens.IssuePair(u.ID, u.Role, u.Email)
	if err := f.svc.ResetPassword(context.Background(), pair.AccessToken, "N3w!passwd2"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("wrong kind: err = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyEmailIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.EmailVerified = false
	})
	token, err := f.tokens.IssueVerification(u.ID, u.Email)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.VerifyEmail(context.Background(), token); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if !u.EmailVerified {
		t.Error("account not marked verified")
	}

	// Second pass is a no-op.
	if err := f.svc.VerifyEmail(context.Background(), token); err != nil {
		t.Fatalf("second VerifyEmail: %v", err)
	}
	if len(f.mail.Calls()) != 0 {
		t.Errorf("verification must not send mail, got %+v", f.mail.Calls())
	}
}

func TestResendVerification(t *testing.T) {
	f := newFixture(t, Config{SendCooldown: time.Minute})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.EmailVerified = false
	})

	if err := f.svc.ResendVerification(context.Background(), u.ID); err != nil {
		t.Fatalf("ResendVerification: %v", err)
	}
	if len(f.mail.Calls()) != 1 {
		t.Fatal("expected verification email")
	}

	if err := f.svc.ResendVerification(context.Background(), u.ID); !errors.Is(err, ErrCooldown) {
		t.Errorf("within cooldown: err = %v, want ErrCooldown", err)
	}

	// Already-verified accounts are told so instead of getting mail.
	u.EmailVerified = true
	*f.clock = f.clock.Add(2 * time.Minute)
	if err := f.svc.ResendVerification(context.Background(), u.ID); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("verified account: err = %v, want ErrAlreadyVerified", err)
	}
	if len(f.mail.Calls()) != 1 {
		t.Error("verified account must not receive verification mail")
	}
}

func TestLoadPrincipal(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "doc@example.com", "Str0ng!pass", RoleDoctor)
	disabled := f.seedUser(t, "off@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.IsActive = false
	})

	p, err := f.svc.LoadPrincipal(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("LoadPrincipal: %v", err)
	}
	if p.UserID != u.ID || p.Role != RoleDoctor {
		t.Errorf("principal = %+v", p)
	}

	if _, err := f.svc.LoadPrincipal(context.Background(), disabled.ID); !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("disabled: err = %v, want ErrAccountDisabled", err)
	}
	if _, err := f.svc.LoadPrincipal(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func TestSetUserActiveRevokesSessions(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.RefreshToken = "live-session"
	})

	if err := f.svc.SetUserActive(context.Background(), u.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if u.IsActive {
		t.Error("account still active")
	}
	if u.RefreshToken != "" {
		t.Error("sessions not revoked on deactivation")
	}
}

func TestPreferencesChannelGating(t *testing.T) {
	prefs := Preferences{
		Email:      true,
		SMS:        false,
		Push:       true,
		Categories: map[string]bool{"appointment": false},
	}

	tests := []struct {
		channel  string
		category string
		want     bool
	}{
		{"email", "lab-result", true},
		{"sms", "lab-result", false},
		{"push", "lab-result", true},
		{"email", "appointment", false},
		{"push", "appointment", false},
		{"sms", "security", true},
		{"sms", "critical_alerts", true},
		{"fax", "lab-result", false},
	}
	for _, tt := range tests {
		if got := prefs.ChannelEnabled(tt.channel, tt.category); got != tt.want {
			t.Errorf("ChannelEnabled(%q, %q) = %v, want %v", tt.channel, tt.category, got, tt.want)
		}
	}
}
