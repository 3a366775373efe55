package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/platform/auth"
)

// AuditEntry captures who did what, when, and from where. Entries never carry
// credentials; recorded email addresses must be redacted by the caller before
// they reach an entry.
type AuditEntry struct {
	UserID    string
	Role      string
	Action    string // read, create, update, delete
	Resource  string
	Path      string
	Method    string
	IPAddress string
	UserAgent string
	RequestID string
	Status    int
	Timestamp time.Time
}

// AuditRecorder persists audit entries. Tests provide mock implementations;
// production wiring falls back to structured logging only.
type AuditRecorder interface {
	Record(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) Record(entry AuditEntry) error {
	return f(entry)
}

// Audit returns middleware that logs every /api/v1 request with the
// authenticated principal attached. When a recorder is supplied, entries are
// also persisted through it; recorder failures are logged, not surfaced.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			// Run the handler first so the response status is known.
			err := next(c)

			entry := AuditEntry{
				Action:    httpMethodToAction(req.Method),
				Resource:  extractResource(path),
				Path:      path,
				Method:    req.Method,
				IPAddress: c.RealIP(),
				UserAgent: req.UserAgent(),
				Status:    c.Response().Status,
				Timestamp: time.Now().UTC(),
			}

			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				entry.UserID = p.UserID.String()
				entry.Role = p.Role
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].Record(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.Status).
				Msg("api_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource parses the resource segment from an API path:
// /api/v1/users/login -> users, /api/v1/notifications/123 -> notifications.
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}
