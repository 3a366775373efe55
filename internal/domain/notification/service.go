package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/domain/user"
	"github.com/medconnect/medconnect/internal/platform/email"
	"github.com/medconnect/medconnect/internal/platform/push"
	"github.com/medconnect/medconnect/internal/platform/sms"
)

// Per-channel send deadlines. Email relays are slow; SMS and push providers
// answer fast or not at all.
const (
	emailTimeout = 10 * time.Second
	smsTimeout   = 5 * time.Second
	pushTimeout  = 5 * time.Second
)

// RetryBackoff is the minimum wait before a failed channel is attempted
// again.
const RetryBackoff = 5 * time.Minute

// Directory resolves recipients. Implemented by the user service.
type Directory interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*user.User, error)
	ListActiveByRole(ctx context.Context, role string) ([]*user.User, error)
}

// Service stores notifications and fans them out across channels.
type Service struct {
	repo   Repository
	dir    Directory
	email  email.Sender
	sms    sms.Sender
	push   push.Sender
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, dir Directory, emailSender email.Sender, smsSender sms.Sender, pushSender push.Sender, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		dir:    dir,
		email:  emailSender,
		sms:    smsSender,
		push:   pushSender,
		logger: logger,
		now:    time.Now,
	}
}

// Input describes a notification to dispatch. Exactly one of UserID or Role
// must be set; Role broadcasts to every active user holding it.
type Input struct {
	UserID uuid.UUID `json:"userId"`
	Role   string    `json:"role"`

	Title       string `json:"title"`
	Message     string `json:"message"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Sensitivity string `json:"sensitivity"`

	// Channels lists the requested external channels; the in-app copy exists
	// regardless. Empty means in-app only.
	Channels []string          `json:"channels"`
	Data     map[string]string `json:"data"`

	ScheduledAt *time.Time `json:"scheduledAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	MaxRetries  int        `json:"maxRetries"`
}

func validCategory(c string) bool {
	switch c {
	case CategoryAppointment, CategoryPrescription, CategoryLabResult,
		CategoryReminder, CategoryAlert, CategorySystem,
		CategoryBilling, CategorySecurity, CategoryHealthTip,
		CategoryAnnouncement, CategoryMessages, CategoryCriticalAlerts:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func validSensitivity(s string) bool {
	switch s {
	case SensitivityNormal, SensitivitySensitive, SensitivityConfidential:
		return true
	}
	return false
}

func (in *Input) normalize() error {
	if in.Title == "" || in.Message == "" {
		return fmt.Errorf("title and message are required")
	}
	if in.Category == "" {
		in.Category = CategorySystem
	}
	if !validCategory(in.Category) {
		return fmt.Errorf("unknown category %q", in.Category)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !validPriority(in.Priority) {
		return fmt.Errorf("unknown priority %q", in.Priority)
	}
	if in.Sensitivity == "" {
		in.Sensitivity = SensitivityNormal
	}
	if !validSensitivity(in.Sensitivity) {
		return fmt.Errorf("unknown sensitivity %q", in.Sensitivity)
	}
	for _, ch := range in.Channels {
		switch ch {
		case ChannelEmail, ChannelSMS, ChannelPush:
		default:
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = DefaultMaxRetries
	}
	if in.ExpiresAt != nil && in.ScheduledAt != nil && !in.ExpiresAt.After(*in.ScheduledAt) {
		return fmt.Errorf("expiry must be after the scheduled time")
	}
	return nil
}

// Summary reports the outcome of one dispatch across its audience. A failed
// recipient shows up in Errors without aborting the rest of the batch.
type Summary struct {
	TotalRecipients int             `json:"totalRecipients"`
	RecordsCreated  int             `json:"recordsCreated"`
	PerChannelSent  map[string]int  `json:"perChannelSent"`
	Errors          []string        `json:"errors"`
	Notifications   []*Notification `json:"notifications"`
}

// Notify creates one notification per recipient and delivers the due ones
// immediately. Scheduled notifications wait for the worker.
func (s *Service) Notify(ctx context.Context, in Input) (*Summary, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var recipients []*user.User
	switch {
	case in.UserID != uuid.Nil:
		u, err := s.dir.GetAccount(ctx, in.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve recipient: %w", err)
		}
		recipients = []*user.User{u}
	case in.Role != "":
		us, err := s.dir.ListActiveByRole(ctx, in.Role)
		if err != nil {
			return nil, fmt.Errorf("resolve role recipients: %w", err)
		}
		recipients = us
	default:
		return nil, fmt.Errorf("a recipient or role is required")
	}

	now := s.now()
	sum := &Summary{
		TotalRecipients: len(recipients),
		PerChannelSent:  make(map[string]int),
		Errors:          []string{},
	}
	for _, u := range recipients {
		n := &Notification{
			UserID:      u.ID,
			Title:       in.Title,
			Message:     in.Message,
			Category:    in.Category,
			Priority:    in.Priority,
			Sensitivity: in.Sensitivity,
			Channels:    in.Channels,
			Deliveries:  make(map[string]*Delivery, len(in.Channels)),
			Data:        in.Data,
			ScheduledAt: in.ScheduledAt,
			ExpiresAt:   in.ExpiresAt,
			MaxRetries:  in.MaxRetries,
		}
		for _, ch := range in.Channels {
			n.Deliveries[ch] = &Delivery{Status: DeliveryPending}
		}
		n.Recompute()

		if err := s.repo.Create(ctx, n); err != nil {
			s.logger.Error().Err(err).
				Str("user_id", u.ID.String()).
				Msg("failed to store notification")
			sum.Errors = append(sum.Errors, fmt.Sprintf("recipient %s: %v", u.ID, err))
			continue
		}
		sum.RecordsCreated++

		if n.Due(now) && !n.Expired(now) {
			s.Deliver(ctx, n, u)
			for ch, d := range n.Deliveries {
				if d.Status == DeliverySent {
					sum.PerChannelSent[ch]++
				}
			}
		}
		sum.Notifications = append(sum.Notifications, n)
	}
	return sum, nil
}

// Deliver attempts the notification's remaining external channels in order
// and persists the resulting substates. Channels blocked by preference,
// sensitivity, or missing contact details are marked skipped, not failed;
// skipped channels are never retried.
func (s *Service) Deliver(ctx context.Context, n *Notification, u *user.User) {
	now := s.now()
	for _, ch := range ExternalChannels {
		d, requested := n.Deliveries[ch]
		if !requested {
			continue
		}
		switch d.Status {
		case DeliverySent, DeliverySkipped:
			continue
		case DeliveryFailed:
			if d.Attempts >= n.MaxRetries {
				continue
			}
			if d.LastAttemptAt != nil && now.Sub(*d.LastAttemptAt) < RetryBackoff {
				continue
			}
		}

		if n.Expired(now) {
			d.Status = DeliverySkipped
			d.Error = "expired before delivery"
			continue
		}
		if ch == ChannelSMS && n.Sensitivity != SensitivityNormal {
			d.Status = DeliverySkipped
			d.Error = "content sensitivity forbids sms"
			continue
		}
		if !u.Preferences.ChannelEnabled(ch, n.Category) {
			d.Status = DeliverySkipped
			d.Error = "disabled by user preference"
			continue
		}

		var err error
		switch ch {
		case ChannelEmail:
			sendCtx, cancel := context.WithTimeout(ctx, emailTimeout)
			err = s.email.Send(sendCtx, u.Email, n.Title, n.Message)
			cancel()
		case ChannelSMS:
			if u.Phone == "" {
				d.Status = DeliverySkipped
				d.Error = "no phone number on file"
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, smsTimeout)
			err = s.sms.Send(sendCtx, u.Phone, n.Title+": "+n.Message)
			cancel()
		case ChannelPush:
			if u.PushToken == "" {
				d.Status = DeliverySkipped
				d.Error = "no device registered"
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, pushTimeout)
			err = s.push.Send(sendCtx, u.PushToken, n.Title, n.Message)
			cancel()
		}

		attemptAt := s.now()
		d.Attempts++
		d.LastAttemptAt = &attemptAt
		if err != nil {
			d.Status = DeliveryFailed
			d.Error = err.Error()
			s.logger.Warn().Err(err).
				Str("notification_id", n.ID.String()).
				Str("channel", ch).
				Int("attempt", d.Attempts).
				Msg("notification delivery failed")
		} else {
			d.Status = DeliverySent
			d.Error = ""
			d.SentAt = &attemptAt
		}
	}

	n.Recompute()
	if err := s.repo.UpdateDeliveries(ctx, n); err != nil {
		s.logger.Error().Err(err).
			Str("notification_id", n.ID.String()).
			Msg("failed to persist delivery state")
	}
}

// ProcessDue delivers scheduled notifications whose time has come and retries
// failed channels whose backoff has passed. Called by the worker.
func (s *Service) ProcessDue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.repo.ListDue(ctx, now, RetryBackoff, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, n := range due {
		if !n.Due(now) || n.Expired(now) {
			continue
		}
		hasPending := false
		for _, ch := range n.Channels {
			if d, ok := n.Deliveries[ch]; ok && d.Status == DeliveryPending {
				hasPending = true
				break
			}
		}
		if !hasPending && !n.RetryEligible(now, RetryBackoff) {
			continue
		}

		u, err := s.dir.GetAccount(ctx, n.UserID)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("notification_id", n.ID.String()).
				Msg("skipping delivery, recipient unavailable")
			continue
		}
		s.Deliver(ctx, n, u)
		processed++
	}
	return processed, nil
}

// -- reader operations --

func (s *Service) List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListByUser(ctx, userID, filter, limit, offset)
}

func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, id, userID)
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}

func (s *Service) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	return s.repo.MarkRead(ctx, id, userID, s.now())
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) error {
	return s.repo.MarkAllRead(ctx, userID, s.now())
}

func (s *Service) Delete(ctx context.Context, id, userID uuid.UUID) error {
	return s.repo.Delete(ctx, id, userID)
}

func (s *Service) DeleteAll(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteAll(ctx, userID)
}

// Statistics summarizes notifications for one user, or store-wide when
// userID is uuid.Nil.
func (s *Service) Statistics(ctx context.Context, userID uuid.UUID) (*Statistics, error) {
	return s.repo.Statistics(ctx, userID)
}
