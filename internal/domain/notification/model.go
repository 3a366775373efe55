// Package notification implements the in-app notification store and the
// fan-out dispatcher that delivers over email, SMS, and push.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Delivery channels, in the order external delivery is attempted.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
	ChannelInApp = "in_app"
)

// ExternalChannels is the attempt order for channels that leave the portal.
var ExternalChannels = []string{ChannelEmail, ChannelSMS, ChannelPush}

// Notification categories.
const (
	CategoryAppointment    = "appointment"
	CategoryPrescription   = "prescription"
	CategoryLabResult      = "lab-result"
	CategoryReminder       = "reminder"
	CategoryAlert          = "alert"
	CategorySystem         = "system"
	CategoryBilling        = "billing"
	CategorySecurity       = "security"
	CategoryHealthTip      = "health-tip"
	CategoryAnnouncement   = "announcement"
	CategoryMessages       = "messages"
	CategoryCriticalAlerts = "critical_alerts"
)

// Priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Sensitivity levels. Sensitive and confidential content never goes to SMS,
// which cannot be assumed private.
const (
	SensitivityNormal       = "normal"
	SensitivitySensitive    = "sensitive"
	SensitivityConfidential = "confidential"
)

// Aggregate statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Per-channel delivery states.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// DefaultMaxRetries bounds delivery attempts per channel.
const DefaultMaxRetries = 3

// Delivery tracks one channel's progress for a notification.
type Delivery struct {
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
}

// Notification is one message for one recipient. The in-app copy is readable
// immediately; external channels are delivered by the dispatcher with their
// substates recorded per channel.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"userId"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Category    string    `json:"category"`
	Priority    string    `json:"priority"`
	Sensitivity string    `json:"sensitivity"`

	// Channels lists the requested external channels. The in-app copy always
	// exists regardless of this list.
	Channels   []string             `json:"channels"`
	Deliveries map[string]*Delivery `json:"deliveries"`
	Status     string               `json:"status"`

	Data map[string]string `json:"data,omitempty"`

	Read   bool       `json:"read"`
	ReadAt *time.Time `json:"readAt,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	MaxRetries  int        `json:"maxRetries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the notification's delivery window has closed.
func (n *Notification) Expired(t time.Time) bool {
	return n.ExpiresAt != nil && !t.Before(*n.ExpiresAt)
}

// Due reports whether the notification is ready for external delivery at t.
func (n *Notification) Due(t time.Time) bool {
	return n.ScheduledAt == nil || !t.Before(*n.ScheduledAt)
}

// Recompute derives the aggregate status from the read flag and the channel
// substates. Read wins; then any successful external send counts as sent; a
// record whose every requested channel is terminally failed is failed; no
// requested external channels means the in-app copy delivered at creation
// stands alone.
func (n *Notification) Recompute() {
	if n.Read {
		n.Status = StatusRead
		return
	}
	if len(n.Channels) == 0 {
		n.Status = StatusDelivered
		return
	}

	anySent := false
	allSettled := true
	allFailed := true
	for _, ch := range n.Channels {
		d, ok := n.Deliveries[ch]
		if !ok || d.Status == DeliveryPending {
			allSettled = false
			allFailed = false
			continue
		}
		switch d.Status {
		case DeliverySent:
			anySent = true
			allFailed = false
		case DeliverySkipped:
			allFailed = false
		case DeliveryFailed:
			if d.Attempts < n.MaxRetries {
				allSettled = false
				allFailed = false
			}
		}
	}

	switch {
	case anySent:
		n.Status = StatusSent
	case allSettled && allFailed:
		n.Status = StatusFailed
	case allSettled:
		// Every channel was skipped; only the in-app copy exists.
		n.Status = StatusDelivered
	default:
		n.Status = StatusPending
	}
}

// RetryEligible reports whether a failed channel may be attempted again at t:
// attempts remain and the backoff since the last attempt has passed.
func (n *Notification) RetryEligible(t time.Time, backoff time.Duration) bool {
	if n.Expired(t) || !n.Due(t) {
		return false
	}
	for _, ch := range n.Channels {
		d, ok := n.Deliveries[ch]
		if !ok {
			continue
		}
		if d.Status == DeliveryFailed && d.Attempts < n.MaxRetries {
			if d.LastAttemptAt == nil || t.Sub(*d.LastAttemptAt) >= backoff {
				return true
			}
		}
	}
	return false
}

// Statistics summarizes the notification store.
type Statistics struct {
	Total      int            `json:"total"`
	Unread     int            `json:"unread"`
	ByStatus   map[string]int `json:"byStatus"`
	ByCategory map[string]int `json:"byCategory"`
}
