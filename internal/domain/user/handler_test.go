package user

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/medconnect/medconnect/internal/platform/auth"
)

func newTestHandler(t *testing.T, f *fixture) *Handler {
	t.Helper()
	return NewHandler(f.svc, f.tokens, false)
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestLoginHandlerSetsSessionCookies(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/login", h.Login)

	rec := doJSON(t, e, http.MethodPost, "/login", `{"email":"p@example.com","password":"Str0ng!pass"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var envelope struct {
		StatusCode int  `json:"statusCode"`
		Success    bool `json:"success"`
		Data       struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !envelope.Success || envelope.StatusCode != http.StatusOK {
		t.Errorf("envelope = %+v", envelope)
	}
	if envelope.Data.AccessToken == "" || envelope.Data.RefreshToken == "" {
		t.Error("expected tokens in response body")
	}

	access := findCookie(rec, "accessToken")
	refresh := findCookie(rec, "refreshToken")
	if access == nil || refresh == nil {
		t.Fatal("expected accessToken and refreshToken cookies")
	}
	for _, ck := range []*http.Cookie{access, refresh} {
		if !ck.HttpOnly {
			t.Errorf("cookie %s must be HttpOnly", ck.Name)
		}
		if ck.SameSite != http.SameSiteStrictMode {
			t.Errorf("cookie %s SameSite = %v, want Strict", ck.Name, ck.SameSite)
		}
	}
}

func TestLoginHandlerBadCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/login", h.Login)

	rec := doJSON(t, e, http.MethodPost, "/login", `{"email":"p@example.com","password":"Wrong!pass1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if findCookie(rec, "accessToken") != nil {
		t.Error("failed login must not set cookies")
	}
}

func TestRefreshHandlerReadsCookie(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/login", h.Login)
	e.POST("/refresh", h.Refresh)

	login := doJSON(t, e, http.MethodPost, "/login", `{"email":"p@example.com","password":"Str0ng!pass"}`)
	refreshCookie := findCookie(login, "refreshToken")
	if refreshCookie == nil {
		t.Fatal("login did not set refresh cookie")
	}

	rec := doJSON(t, e, http.MethodPost, "/refresh", "", refreshCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rotated := findCookie(rec, "refreshToken")
	if rotated == nil || rotated.Value == refreshCookie.Value {
		t.Error("refresh must rotate the cookie")
	}

	// Replaying the old cookie is reuse: 401 and cookies cleared.
	replay := doJSON(t, e, http.MethodPost, "/refresh", "", refreshCookie)
	if replay.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want 401", replay.Code)
	}
	if cleared := findCookie(replay, "refreshToken"); cleared == nil || cleared.MaxAge >= 0 {
		t.Error("replay must clear the session cookies")
	}
}

func TestForgotPasswordHandlerUniformResponse(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedUser(t, "real@example.com", "Str0ng!pass", RolePatient)
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/forgot", h.ForgotPassword)

	known := doJSON(t, e, http.MethodPost, "/forgot", `{"email":"real@example.com"}`)
	unknown := doJSON(t, e, http.MethodPost, "/forgot", `{"email":"ghost@example.com"}`)

	if known.Code != http.StatusOK || unknown.Code != http.StatusOK {
		t.Fatalf("statuses = %d/%d, want 200/200", known.Code, unknown.Code)
	}
	if known.Body.String() != unknown.Body.String() {
		t.Errorf("responses differ:\nknown:   %s\nunknown: %s", known.Body.String(), unknown.Body.String())
	}
}

func TestVerifyEmailHandlerQueryToken(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient, func(u *User) {
		u.EmailVerified = false
	})
	token, err := f.tokens.IssueVerification(u.ID, u.Email)
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, f)

	e := echo.New()
	e.GET("/verify", h.VerifyEmail)

	rec := doJSON(t, e, http.MethodGet, "/verify?token="+token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !u.EmailVerified {
		t.Error("account not verified")
	}

	bad := doJSON(t, e, http.MethodGet, "/verify?token=garbage", "")
	if bad.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", bad.Code)
	}
}

func withPrincipal(u *User) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			p := auth.Principal{UserID: u.ID, Role: u.Role, Email: u.Email}
			c.SetRequest(req.WithContext(auth.ContextWithPrincipal(req.Context(), p)))
			return next(c)
		}
	}
}

func TestResetPasswordHandlerMismatchedConfirm(t *testing.T) {
	f := newFixture(t, Config{})
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/reset", h.ResetPassword)

	rec := doJSON(t, e, http.MethodPost, "/reset",
		`{"token":"whatever","password":"N3w!passwd","confirmPassword":"Different1!"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for mismatched confirmation", rec.Code)
	}
}

func TestChangePasswordHandlerMismatchedConfirm(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/change-password", h.ChangePassword, withPrincipal(u))

	rec := doJSON(t, e, http.MethodPost, "/change-password",
		`{"currentPassword":"Str0ng!pass","newPassword":"N3w!passwd","confirmPassword":"Different1!"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for mismatched confirmation", rec.Code)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("Str0ng!pass")); err != nil {
		t.Error("password must not change on mismatched confirmation")
	}
}

func TestResendVerificationHandlerAlreadyVerified(t *testing.T) {
	f := newFixture(t, Config{SendCooldown: time.Minute})
	u := f.seedUser(t, "p@example.com", "Str0ng!pass", RolePatient)
	h := newTestHandler(t, f)

	e := echo.New()
	e.POST("/resend-verification", h.ResendVerification, withPrincipal(u))

	rec := doJSON(t, e, http.MethodPost, "/resend-verification", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an already verified account", rec.Code)
	}
}
