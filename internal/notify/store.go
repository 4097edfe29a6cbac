package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// Delivery is one audit record of a notification attempt series.
type Delivery struct {
	ID        int64     `json:"id"`
	AlertID   string    `json:"alert_id"`
	ChannelID string    `json:"channel_id"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"` // "delivered" or "failed"
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelStore persists notification channels and delivery audit records.
type ChannelStore struct {
	db *sql.DB
}

// NewChannelStore creates a store over the shared database handle.
func NewChannelStore(db *sql.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

// CreateChannel stores a new channel.
func (s *ChannelStore) CreateChannel(ctx context.Context, ch *Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_channels
			(id, name, type, target, secret, location_id, min_severity, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.Type, ch.Target, ch.Secret, ch.LocationID,
		string(ch.MinSeverity), boolToInt(ch.Enabled), ch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// GetChannel returns one channel, or nil when absent.
func (s *ChannelStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	rows, err := s.db.QueryContext(ctx, selectChannels+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	channels, err := scanChannels(rows)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return &channels[0], nil
}

// ListChannels returns all channels.
func (s *ChannelStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, selectChannels+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return scanChannels(rows)
}

// DeleteChannel removes a channel. Reports whether it existed.
func (s *ChannelStore) DeleteChannel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notify_channels WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete channel: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateRecipient stores a new recipient.
func (s *ChannelStore) CreateRecipient(ctx context.Context, rc *Recipient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_recipients (id, name, email, phone, location_id, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rc.ID, rc.Name, rc.Email, rc.Phone, rc.LocationID, boolToInt(rc.Enabled), rc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create recipient: %w", err)
	}
	return nil
}

// ListRecipients returns all recipients.
func (s *ChannelStore) ListRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, phone, location_id, enabled, created_at
		FROM notify_recipients ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var rc Recipient
		var enabled int
		if err := rows.Scan(&rc.ID, &rc.Name, &rc.Email, &rc.Phone,
			&rc.LocationID, &enabled, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		rc.Enabled = enabled != 0
		rc.CreatedAt = rc.CreatedAt.UTC()
		out = append(out, rc)
	}
	return out, rows.Err()
}

// DeleteRecipient removes a recipient. Reports whether it existed.
func (s *ChannelStore) DeleteRecipient(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notify_recipients WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete recipient: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordDelivery appends to the delivery audit trail.
func (s *ChannelStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_deliveries (alert_id, channel_id, reason, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.AlertID, d.ChannelID, d.Reason, d.Status, d.Attempts, d.Error, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns recent delivery records, newest first.
func (s *ChannelStore) ListDeliveries(ctx context.Context, alertID string, limit int) ([]Delivery, error) {
	query := `
		SELECT id, alert_id, channel_id, reason, status, attempts, error, created_at
		FROM notify_deliveries`
	args := []any{}
	if alertID != "" {
		query += ` WHERE alert_id = ?`
		args = append(args, alertID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.AlertID, &d.ChannelID, &d.Reason, &d.Status,
			&d.Attempts, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

const selectChannels = `
	SELECT id, name, type, target, secret, location_id, min_severity, enabled, created_at
	FROM notify_channels`

func scanChannels(rows *sql.Rows) ([]Channel, error) {
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var ch Channel
		var severity string
		var enabled int
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.Target, &ch.Secret,
			&ch.LocationID, &severity, &enabled, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.MinSeverity = outbreak.Severity(severity)
		ch.Enabled = enabled != 0
		ch.CreatedAt = ch.CreatedAt.UTC()
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
