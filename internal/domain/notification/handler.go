package notification

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medconnect/medconnect/internal/domain/user"
	"github.com/medconnect/medconnect/internal/platform/auth"
	"github.com/medconnect/medconnect/internal/platform/email"
	"github.com/medconnect/medconnect/pkg/pagination"
	"github.com/medconnect/medconnect/pkg/respond"
)

// PreferenceStore reads and writes a user's notification preferences.
// Implemented by the user service.
type PreferenceStore interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*user.User, error)
	UpdatePreferences(ctx context.Context, id uuid.UUID, prefs user.Preferences) error
}

type Handler struct {
	svc       *Service
	prefs     PreferenceStore
	templates *email.TemplateEngine
}

func NewHandler(svc *Service, prefs PreferenceStore, templates *email.TemplateEngine) *Handler {
	return &Handler{svc: svc, prefs: prefs, templates: templates}
}

// RegisterRoutes mounts the notification endpoints behind authMW. Manual
// dispatch, global statistics and the template catalog are admin only; the
// test endpoint sends only to the caller.
func (h *Handler) RegisterRoutes(api *echo.Group, authMW echo.MiddlewareFunc) {
	n := api.Group("/notifications", authMW)

	n.GET("", h.List)
	n.GET("/unread-count", h.UnreadCount)
	n.GET("/preferences", h.GetPreferences)
	n.PATCH("/preferences", h.UpdatePreferences)
	n.GET("/:id", h.Get)
	n.PATCH("/:id/read", h.MarkRead)
	n.PATCH("/mark-all-read", h.MarkAllRead)
	n.DELETE("/:id", h.Delete)
	n.DELETE("/clear-all", h.DeleteAll)
	n.POST("/test", h.SendTest)

	admin := auth.RequireRole(auth.RoleAdmin)
	n.POST("/manual", h.Dispatch, admin)
	n.GET("/statistics", h.Statistics, admin)
	n.GET("/templates", h.Templates, admin)
}

func notifError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return err
}

func listFilterFromQuery(c echo.Context) (ListFilter, error) {
	filter := ListFilter{
		Category:       c.QueryParam("type"),
		Status:         c.QueryParam("status"),
		Priority:       c.QueryParam("priority"),
		IncludeExpired: c.QueryParam("includeExpired") == "true",
	}
	if filter.Category == "" {
		filter.Category = c.QueryParam("category")
	}
	if v := c.QueryParam("isRead"); v != "" {
		read, err := strconv.ParseBool(v)
		if err != nil {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid isRead")
		}
		filter.Read = &read
	}
	if v := c.QueryParam("dateFrom"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid dateFrom")
		}
		filter.DateFrom = &from
	}
	if v := c.QueryParam("dateTo"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid dateTo")
		}
		filter.DateTo = &to
	}
	return filter, nil
}

func (h *Handler) List(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	filter, err := listFilterFromQuery(c)
	if err != nil {
		return err
	}

	items, total, err := h.svc.List(c.Request().Context(), p.UserID, filter, pg.Limit, pg.Offset())
	if err != nil {
		return notifError(err)
	}
	return respond.OK(c, pagination.NewResponse(items, total, pg), "")
}

func (h *Handler) Get(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.Get(c.Request().Context(), id, p.UserID)
	if err != nil {
		return notifError(err)
	}
	return respond.OK(c, n, "")
}

func (h *Handler) UnreadCount(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	count, err := h.svc.UnreadCount(c.Request().Context(), p.UserID)
	if err != nil {
		return notifError(err)
	}
	return respond.OK(c, map[string]int{"unread": count}, "")
}

// Statistics summarizes the whole notification store for administrators.
func (h *Handler) Statistics(c echo.Context) error {
	stats, err := h.svc.Statistics(c.Request().Context(), uuid.Nil)
	if err != nil {
		return notifError(err)
	}
	return respond.OK(c, stats, "")
}

// Templates lists the registered email templates.
func (h *Handler) Templates(c echo.Context) error {
	return respond.OK(c, h.templates.List(), "")
}

func (h *Handler) GetPreferences(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	u, err := h.prefs.GetAccount(c.Request().Context(), p.UserID)
	if err != nil {
		return notifError(err)
	}
	return respond.OK(c, u.Preferences, "")
}

type preferencesPatch struct {
	Email      *bool           `json:"email"`
	SMS        *bool           `json:"sms"`
	Push       *bool           `json:"push"`
	Categories map[string]bool `json:"categories"`
}

// UpdatePreferences merges the submitted fields into the stored preferences.
// Omitted fields keep their current value.
func (h *Handler) UpdatePreferences(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var patch preferencesPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	u, err := h.prefs.GetAccount(ctx, p.UserID)
	if err != nil {
		return notifError(err)
	}
	prefs := u.Preferences
	if patch.Email != nil {
		prefs.Email = *patch.Email
	}
	if patch.SMS != nil {
		prefs.SMS = *patch.SMS
	}
	if patch.Push != nil {
		prefs.Push = *patch.Push
	}
	if patch.Categories != nil {
		if prefs.Categories == nil {
			prefs.Categories = make(map[string]bool)
		}
		for k, v := range patch.Categories {
			prefs.Categories[k] = v
		}
	}
	if err := h.prefs.UpdatePreferences(ctx, p.UserID, prefs); err != nil {
		return notifError(err)
	}
	return respond.OK(c, prefs, "preferences updated")
}

func (h *Handler) MarkRead(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.MarkRead(c.Request().Context(), id, p.UserID); err != nil {
		return notifError(err)
	}
	return respond.OK(c, nil, "notification marked read")
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.svc.MarkAllRead(c.Request().Context(), p.UserID); err != nil {
		return notifError(err)
	}
	return respond.OK(c, nil, "all notifications marked read")
}

func (h *Handler) Delete(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id, p.UserID); err != nil {
		return notifError(err)
	}
	return respond.OK(c, nil, "notification deleted")
}

func (h *Handler) DeleteAll(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAll(c.Request().Context(), p.UserID); err != nil {
		return notifError(err)
	}
	return respond.OK(c, nil, "notifications cleared")
}

// SendTest dispatches a low-priority notification to the caller so users can
// confirm their channel setup.
func (h *Handler) SendTest(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.UserID = p.UserID
	in.Role = ""
	if in.Title == "" {
		in.Title = "Test notification"
	}
	if in.Message == "" {
		in.Message = "This is a test of your notification settings."
	}
	in.Category = CategorySystem
	in.Priority = PriorityLow
	in.Sensitivity = SensitivityNormal
	in.ScheduledAt = nil
	in.ExpiresAt = nil

	sum, err := h.svc.Notify(c.Request().Context(), in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond.Created(c, sum, "test notification sent")
}

// Dispatch sends a notification to a user or broadcasts to a role.
func (h *Handler) Dispatch(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sum, err := h.svc.Notify(c.Request().Context(), in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond.Created(c, sum, "notification dispatched")
}
