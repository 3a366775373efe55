package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("notification not found")

// ListFilter narrows a user's notification listing.
type ListFilter struct {
	Category string
	Status   string
	Priority string
	// Read filters on read state when set; nil matches both.
	Read     *bool
	DateFrom *time.Time
	DateTo   *time.Time
	// IncludeExpired admits records past their expiry, which are hidden
	// from the default view.
	IncludeExpired bool
}

// Repository defines the persistence interface for notifications.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	// GetByID scopes the lookup to the owner so one user can never address
	// another user's notification.
	GetByID(ctx context.Context, id, userID uuid.UUID) (*Notification, error)
	ListByUser(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Notification, int, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)

	// UpdateDeliveries persists the channel substates and aggregate status.
	UpdateDeliveries(ctx context.Context, n *Notification) error

	MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id, userID uuid.UUID) error
	DeleteAll(ctx context.Context, userID uuid.UUID) error

	// ListDue returns notifications whose external delivery is pending and
	// whose schedule has arrived, plus failed ones eligible for retry.
	ListDue(ctx context.Context, now time.Time, backoff time.Duration, limit int) ([]*Notification, error)

	// Statistics summarizes one user's notifications, or the whole store
	// when userID is uuid.Nil.
	Statistics(ctx context.Context, userID uuid.UUID) (*Statistics, error)
}
