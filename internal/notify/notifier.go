package notify

import (
	"context"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// Channel is a configured notification destination. MinSeverity filters
// which alerts reach it; an empty LocationID matches every location.
type Channel struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"` // "webhook", "email", "sms"
	Target      string            `json:"target"`
	Secret      string            `json:"-"` // Webhook HMAC signing key
	LocationID  string            `json:"location_id,omitempty"`
	MinSeverity outbreak.Severity `json:"min_severity"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Notifier delivers one notification to one channel.
type Notifier interface {
	// Notify sends the request to the channel, returning an error on
	// delivery failure. Implementations must respect ctx cancellation.
	Notify(ctx context.Context, ch Channel, alert *outbreak.Alert, req outbreak.NotificationRequest) error
}

// Recipient is a person reachable over email or SMS. Channels of those
// types with no explicit target fan out to matching recipients.
type Recipient struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	LocationID string    `json:"location_id,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// addressFor returns the recipient's address for a channel type, or empty
// when the recipient has none.
func (r Recipient) addressFor(channelType string) string {
	switch channelType {
	case "email":
		return r.Email
	case "sms":
		return r.Phone
	}
	return ""
}

// matches reports whether the recipient should be contacted for this alert.
func (r Recipient) matches(a *outbreak.Alert) bool {
	if !r.Enabled {
		return false
	}
	return r.LocationID == "" || r.LocationID == a.LocationID
}

// matches reports whether the channel should receive this alert.
func (c Channel) matches(a *outbreak.Alert) bool {
	if !c.Enabled {
		return false
	}
	if c.LocationID != "" && c.LocationID != a.LocationID {
		return false
	}
	min := c.MinSeverity
	if min == "" {
		min = outbreak.SeverityLow
	}
	return outbreak.SeverityRank(a.Severity) >= outbreak.SeverityRank(min)
}
