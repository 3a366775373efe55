package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID uuid.UUID
	Role   string
	Email  string
}

// PrincipalLoader resolves a verified token subject to a live principal.
// Implementations must reject deactivated accounts. The user service
// implements this so the middleware never touches the database directly.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID uuid.UUID) (Principal, error)
}

type principalKey struct{}

// PrincipalFromContext returns the principal set by Middleware, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ContextWithPrincipal attaches a principal, used by tests and internal jobs.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// CookieName is the session cookie carrying the access token.
const CookieName = "accessToken"

// Middleware authenticates requests. The session cookie is checked first so
// browser sessions keep working when clients also send stale Authorization
// headers; a Bearer token is the fallback for API clients.
func Middleware(tokens *TokenService, loader PrincipalLoader) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := tokenFromRequest(c)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			claims, err := tokens.VerifyAccess(raw)
			if err != nil {
				if err == ErrTokenExpired {
					return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			userID, err := claims.UserID()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			principal, err := loader.LoadPrincipal(c.Request().Context(), userID)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "account not found or deactivated")
			}

			req := c.Request()
			c.SetRequest(req.WithContext(ContextWithPrincipal(req.Context(), principal)))
			c.Set("user_id", principal.UserID.String())
			c.Set("role", principal.Role)
			return next(c)
		}
	}
}

func tokenFromRequest(c echo.Context) string {
	if cookie, err := c.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// MustPrincipal returns the request principal or an unauthorized error. It is
// a convenience for handlers running behind Middleware.
func MustPrincipal(c echo.Context) (Principal, error) {
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}
