package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Portal roles in ascending order of privilege is not meaningful here; access
// is decided by explicit allow-lists per route, with admin passing every gate.
const (
	RolePatient    = "patient"
	RoleDoctor     = "doctor"
	RoleNurse      = "nurse"
	RoleTechnician = "technician"
	RoleStaff      = "staff"
	RoleAdmin      = "admin"
)

// ValidRole reports whether role is one the portal recognizes.
func ValidRole(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleNurse, RoleTechnician, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// PublicRegistrationRole reports whether role may be chosen at self-service
// registration. Staff, technician, and admin accounts are provisioned by an
// administrator.
func PublicRegistrationRole(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleNurse:
		return true
	}
	return false
}

// RequireRole returns middleware that allows only the listed roles. Admin
// always passes. It must run after Middleware.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if p.Role == RoleAdmin {
				return next(c)
			}
			if _, ok := allowed[p.Role]; !ok {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}
