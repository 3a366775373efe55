package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medconnect/medconnect/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the Postgres-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const columns = `
	id, user_id, title, message, category, priority, sensitivity,
	channels, deliveries, status, data,
	read, read_at, scheduled_at, expires_at, max_retries,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	deliveries, err := json.Marshal(n.Deliveries)
	if err != nil {
		return fmt.Errorf("encode deliveries: %w", err)
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}

	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notifications (
			id, user_id, title, message, category, priority, sensitivity,
			channels, deliveries, status, data,
			read, read_at, scheduled_at, expires_at, max_retries
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16
		) RETURNING created_at, updated_at`,
		n.ID, n.UserID, n.Title, n.Message, n.Category, n.Priority, n.Sensitivity,
		n.Channels, deliveries, n.Status, data,
		n.Read, n.ReadAt, n.ScheduledAt, n.ExpiresAt, n.MaxRetries,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id, userID uuid.UUID) (*Notification, error) {
	return scanNotification(r.conn(ctx).QueryRow(ctx,
		`SELECT `+columns+` FROM notifications WHERE id = $1 AND user_id = $2`, id, userID))
}

func (r *repoPG) ListByUser(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Notification, int, error) {
	where := ` WHERE user_id = $1`
	args := []interface{}{userID}
	idx := 2

	if filter.Category != "" {
		where += fmt.Sprintf(` AND category = $%d`, idx)
		args = append(args, filter.Category)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.Priority != "" {
		where += fmt.Sprintf(` AND priority = $%d`, idx)
		args = append(args, filter.Priority)
		idx++
	}
	if filter.Read != nil {
		where += fmt.Sprintf(` AND read = $%d`, idx)
		args = append(args, *filter.Read)
		idx++
	}
	if filter.DateFrom != nil {
		where += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *filter.DateFrom)
		idx++
	}
	if filter.DateTo != nil {
		where += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *filter.DateTo)
		idx++
	}
	if !filter.IncludeExpired {
		where += ` AND (expires_at IS NULL OR expires_at > NOW())`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + columns + ` FROM notifications` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *repoPG) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`, userID).
		Scan(&count)
	return count, err
}

func (r *repoPG) UpdateDeliveries(ctx context.Context, n *Notification) error {
	deliveries, err := json.Marshal(n.Deliveries)
	if err != nil {
		return fmt.Errorf("encode deliveries: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET deliveries = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, n.ID, deliveries, n.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET read = TRUE, read_at = $3, status = 'read', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND read = FALSE`, id, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already read.
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND user_id = $2)`,
			id, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *repoPG) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET read = TRUE, read_at = $2, status = 'read', updated_at = NOW()
		WHERE user_id = $1 AND read = FALSE`, userID, at)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) DeleteAll(ctx context.Context, userID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	return err
}

// ListDue selects candidates coarsely in SQL; the caller applies the exact
// per-channel retry rules via RetryEligible and Due.
func (r *repoPG) ListDue(ctx context.Context, now time.Time, backoff time.Duration, limit int) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+columns+` FROM notifications
		WHERE status IN ('pending', 'failed')
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		  AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *repoPG) Statistics(ctx context.Context, userID uuid.UUID) (*Statistics, error) {
	stats := &Statistics{
		ByStatus:   make(map[string]int),
		ByCategory: make(map[string]int),
	}

	where := ` WHERE user_id = $1`
	args := []interface{}{userID}
	if userID == uuid.Nil {
		where = ``
		args = nil
	}

	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE read = FALSE)
		FROM notifications`+where, args...).
		Scan(&stats.Total, &stats.Unread)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, category, COUNT(*)
		FROM notifications`+where+`
		GROUP BY status, category`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, category string
		var count int
		if err := rows.Scan(&status, &category, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] += count
		stats.ByCategory[category] += count
	}
	return stats, rows.Err()
}

func scanNotification(row pgx.Row) (*Notification, error) {
	n := &Notification{}
	var deliveries, data []byte
	err := row.Scan(
		&n.ID, &n.UserID, &n.Title, &n.Message, &n.Category, &n.Priority, &n.Sensitivity,
		&n.Channels, &deliveries, &n.Status, &data,
		&n.Read, &n.ReadAt, &n.ScheduledAt, &n.ExpiresAt, &n.MaxRetries,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(deliveries) > 0 {
		if err := json.Unmarshal(deliveries, &n.Deliveries); err != nil {
			return nil, fmt.Errorf("decode deliveries: %w", err)
		}
	}
	if n.Deliveries == nil {
		n.Deliveries = make(map[string]*Delivery)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return n, nil
}
