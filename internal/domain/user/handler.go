package user

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medconnect/medconnect/internal/platform/auth"
	"github.com/medconnect/medconnect/pkg/pagination"
	"github.com/medconnect/medconnect/pkg/respond"
)

const refreshCookieName = "refreshToken"

type Handler struct {
	svc           *Service
	tokens        *auth.TokenService
	secureCookies bool
}

// NewHandler builds the user handler. secureCookies should be true in
// production so session cookies only travel over TLS.
func NewHandler(svc *Service, tokens *auth.TokenService, secureCookies bool) *Handler {
	return &Handler{svc: svc, tokens: tokens, secureCookies: secureCookies}
}

// RegisterRoutes mounts the user endpoints. authMW is the authentication
// middleware produced by auth.Middleware.
func (h *Handler) RegisterRoutes(api *echo.Group, authMW echo.MiddlewareFunc) {
	users := api.Group("/users")

	users.POST("/register", h.Register)
	users.POST("/login", h.Login)
	users.POST("/refresh-token", h.Refresh)
	users.POST("/forgot-password", h.ForgotPassword)
	users.POST("/reset-password", h.ResetPassword)
	users.GET("/verify-email", h.VerifyEmail)
	users.POST("/verify-email", h.VerifyEmail)

	me := users.Group("", authMW)
	me.POST("/resend-verification", h.ResendVerification)
	me.POST("/logout", h.Logout)
	me.POST("/change-password", h.ChangePassword)
	me.GET("/current", h.CurrentUser)
	me.GET("/profile", h.GetProfile)
	me.PATCH("/profile", h.UpdateProfile)
	me.PATCH("/avatar", h.UpdateAvatar)
	me.PATCH("/complete-profile", h.CompleteProfile)
	me.PUT("/push-token", h.RegisterPushToken)
	me.DELETE("/delete-account", h.DeactivateSelf)

	admin := users.Group("", authMW, auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.ListUsers)
	admin.GET("/statistics", h.Statistics)
	admin.GET("/:id", h.GetUser)
	admin.PATCH("/:id/role", h.UpdateUserRole)
	admin.PATCH("/:id/deactivate", h.SetUserStatus)
	admin.DELETE("/:id", h.DeleteUser)
}

func (h *Handler) setSessionCookies(c echo.Context, pair auth.TokenPair) {
	access := &http.Cookie{
		Name:     auth.CookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(h.tokens.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
	refresh := &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(h.tokens.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
	c.SetCookie(access)
	c.SetCookie(refresh)
}

func (h *Handler) clearSessionCookies(c echo.Context) {
	for _, name := range []string{auth.CookieName, refreshCookieName} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secureCookies,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrBadCredentials),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenReused):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrAccountLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, ErrAccountDisabled), errors.Is(err, ErrEmailNotVerified):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrDuplicatePhone),
		errors.Is(err, ErrDuplicateMRN),
		errors.Is(err, ErrDuplicateLicense):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrCooldown):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrWrongPassword),
		errors.Is(err, ErrAlreadyVerified):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		if mapped := httpError(err); mapped != err {
			return mapped
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond.Created(c, u, "registration successful, please verify your email")
}

type loginRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (r loginRequest) identifier() string {
	if r.Email != "" {
		return r.Email
	}
	return r.Phone
}

type sessionResponse struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, pair, err := h.svc.Login(c.Request().Context(), req.identifier(), req.Password)
	if err != nil {
		return httpError(err)
	}
	h.setSessionCookies(c, pair)
	return respond.OK(c, &sessionResponse{
		User:         u,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "login successful")
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Refresh(c echo.Context) error {
	// Cookie first, body as fallback for non-browser clients.
	var token string
	if cookie, err := c.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		token = cookie.Value
	} else {
		var req refreshRequest
		if err := c.Bind(&req); err == nil {
			token = req.RefreshToken
		}
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "refresh token required")
	}

	u, pair, err := h.svc.Refresh(c.Request().Context(), token)
	if err != nil {
		h.clearSessionCookies(c)
		return httpError(err)
	}
	h.setSessionCookies(c, pair)
	return respond.OK(c, &sessionResponse{
		User:         u,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "session refreshed")
}

func (h *Handler) Logout(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.svc.Logout(c.Request().Context(), p.UserID); err != nil {
		return httpError(err)
	}
	h.clearSessionCookies(c)
	return respond.OK(c, nil, "logged out")
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ForgotPassword(c echo.Context) error {
	var req forgotPasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ForgotPassword(c.Request().Context(), req.Email); err != nil {
		return httpError(err)
	}
	// Same response whether or not the address is registered.
	return respond.OK(c, nil, "if the address is registered, a reset email has been sent")
}

type resetPasswordRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Password != req.ConfirmPassword {
		return echo.NewHTTPError(http.StatusBadRequest, "password confirmation does not match")
	}
	if err := h.svc.ResetPassword(c.Request().Context(), req.Token, req.Password); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "password reset successful")
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyEmail(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		var req verifyEmailRequest
		if err := c.Bind(&req); err == nil {
			token = req.Token
		}
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "verification token required")
	}
	if err := h.svc.VerifyEmail(c.Request().Context(), token); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "email verified")
}

func (h *Handler) ResendVerification(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.svc.ResendVerification(c.Request().Context(), p.UserID); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "verification email sent")
}

// CurrentUser returns the account summary without the role sub-record.
func (h *Handler) CurrentUser(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetAccount(c.Request().Context(), p.UserID)
	if err != nil {
		return httpError(err)
	}
	return respond.OK(c, u, "")
}

func (h *Handler) GetProfile(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	profile, err := h.svc.GetProfile(c.Request().Context(), p.UserID)
	if err != nil {
		return httpError(err)
	}
	return respond.OK(c, profile, "")
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in UpdateProfileInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), p.UserID, in)
	if err != nil {
		return httpError(err)
	}
	return respond.OK(c, u, "profile updated")
}

// CompleteProfile fills the caller's role-specific sub-record.
func (h *Handler) CompleteProfile(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in CompleteProfileInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	profile, err := h.svc.CompleteProfile(c.Request().Context(), p.UserID, in)
	if err != nil {
		if mapped := httpError(err); mapped != err {
			return mapped
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond.OK(c, profile, "profile completed")
}

type avatarRequest struct {
	AvatarURL string `json:"avatarUrl"`
}

func (h *Handler) UpdateAvatar(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req avatarRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AvatarURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "avatarUrl is required")
	}
	if err := h.svc.UpdateAvatar(c.Request().Context(), p.UserID, req.AvatarURL); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "avatar updated")
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) RegisterPushToken(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req pushTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RegisterPushToken(c.Request().Context(), p.UserID, req.Token); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "push token registered")
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *Handler) ChangePassword(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.NewPassword != req.ConfirmPassword {
		return echo.NewHTTPError(http.StatusBadRequest, "password confirmation does not match")
	}
	if err := h.svc.ChangePassword(c.Request().Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		return httpError(err)
	}
	h.clearSessionCookies(c)
	return respond.OK(c, nil, "password changed, please log in again")
}

func (h *Handler) DeactivateSelf(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.svc.Deactivate(c.Request().Context(), p.UserID); err != nil {
		return httpError(err)
	}
	h.clearSessionCookies(c)
	return respond.OK(c, nil, "account deactivated")
}

// -- admin handlers --

func (h *Handler) ListUsers(c echo.Context) error {
	p := pagination.FromContext(c)
	filter := ListFilter{
		Role:   c.QueryParam("role"),
		Search: c.QueryParam("search"),
	}
	if v := c.QueryParam("active"); v != "" {
		active := v == "true"
		filter.Active = &active
	}
	if v := c.QueryParam("verified"); v != "" {
		verified := v == "true"
		filter.Verified = &verified
	}

	users, total, err := h.svc.ListUsers(c.Request().Context(), filter, p.Limit, p.Offset())
	if err != nil {
		return httpError(err)
	}
	return respond.OK(c, pagination.NewResponse(users, total, p), "")
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	profile, err := h.svc.GetUser(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return respond.OK(c, profile, "")
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) UpdateUserRole(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.UpdateRole(c.Request().Context(), id, req.Role); err != nil {
		if mapped := httpError(err); mapped != err {
			return mapped
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond.OK(c, nil, "role updated")
}

type statusRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) SetUserStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetUserActive(c.Request().Context(), id, req.Active); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "status updated")
}

func (h *Handler) DeleteUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteUser(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return respond.OK(c, nil, "user deleted")
}

func (h *Handler) Statistics(c echo.Context) error {
	stats, err := h.svc.Statistics(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return respond.OK(c, stats, "")
}
