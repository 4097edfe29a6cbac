package notify

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/roles"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epiwatch_notify_deliveries_total",
	Help: "Notification delivery outcomes by channel type and status.",
}, []string{"type", "status"})

// Dispatcher fans alerts out to matching channels with bounded retries.
// Once every attempted delivery has reached a definitive outcome, delivered
// or permanently failed, it marks the alert notified so the dispatcher never
// re-sends on restart. An alert with no matching channel stays unmarked and
// is picked up again when a channel appears.
type Dispatcher struct {
	cfg       Config
	store     *ChannelStore
	notifiers map[string]Notifier
	alerts    roles.AlertManager
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher with the standard notifier set.
func NewDispatcher(cfg Config, store *ChannelStore, alerts roles.AlertManager, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:   cfg,
		store: store,
		notifiers: map[string]Notifier{
			"webhook": NewWebhookNotifier(cfg.WebhookTimeout),
			"email":   NewEmailNotifier(logger),
			"sms":     NewSMSNotifier(logger),
		},
		alerts: alerts,
		logger: logger,
	}
}

// Dispatch delivers an alert to every matching channel.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *outbreak.Alert, reason string) {
	channels, err := d.store.ListChannels(ctx)
	if err != nil {
		d.logger.Error("channel lookup failed", zap.Error(err))
		return
	}

	req := outbreak.NotificationRequest{
		AlertID:    alert.ID,
		LocationID: alert.LocationID,
		Severity:   alert.Severity,
		Reason:     reason,
		At:         time.Now().UTC(),
	}

	var recipients []Recipient
	recipientsLoaded := false

	attempted := 0
	for _, ch := range channels {
		if !ch.matches(alert) {
			continue
		}

		targets := make([]Channel, 0, 1)
		if ch.Target != "" {
			targets = append(targets, ch)
		}
		// Email/SMS channels without a fixed target fan out to recipients.
		if ch.Type == "email" || ch.Type == "sms" {
			if !recipientsLoaded {
				var err error
				if recipients, err = d.store.ListRecipients(ctx); err != nil {
					d.logger.Error("recipient lookup failed", zap.Error(err))
				}
				recipientsLoaded = true
			}
			for _, rc := range recipients {
				if !rc.matches(alert) {
					continue
				}
				addr := rc.addressFor(ch.Type)
				if addr == "" || addr == ch.Target {
					continue
				}
				fan := ch
				fan.Target = addr
				targets = append(targets, fan)
			}
		}

		for _, target := range targets {
			if d.deliver(ctx, target, alert, req) {
				attempted++
			}
		}
	}
	// No delivery was even attempted: leave the flag unset so the alert is
	// retried when a matching channel exists. Attempted deliveries count as
	// confirmed whether they succeeded or exhausted their retries; marking
	// both prevents a broken channel from causing a retry storm.
	if attempted == 0 {
		return
	}

	if d.alerts != nil {
		if err := d.alerts.MarkNotified(ctx, alert.ID); err != nil {
			d.logger.Warn("failed to mark alert notified",
				zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
}

// deliver attempts one channel with bounded retries and records the
// outcome. Reports whether a delivery was attempted; a channel with no
// registered notifier does not count as an attempt.
func (d *Dispatcher) deliver(ctx context.Context, ch Channel, alert *outbreak.Alert, req outbreak.NotificationRequest) bool {
	notifier, ok := d.notifiers[ch.Type]
	if !ok {
		d.logger.Warn("unknown channel type",
			zap.String("channel_id", ch.ID), zap.String("type", ch.Type))
		return false
	}

	var lastErr error
	attempts := 0
	for attempts < d.cfg.MaxAttempts {
		attempts++
		lastErr = notifier.Notify(ctx, ch, alert, req)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		// Linear backoff between attempts.
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempts) * time.Second):
		}
	}

	record := &Delivery{
		AlertID:   alert.ID,
		ChannelID: ch.ID,
		Reason:    req.Reason,
		Status:    "delivered",
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	if lastErr != nil {
		record.Status = "failed"
		record.Error = lastErr.Error()
		d.logger.Warn("notification delivery failed",
			zap.String("alert_id", alert.ID),
			zap.String("channel", ch.Name),
			zap.Int("attempts", attempts),
			zap.Error(lastErr),
		)
	} else {
		d.logger.Info("notification delivered",
			zap.String("alert_id", alert.ID),
			zap.String("channel", ch.Name),
			zap.String("reason", req.Reason),
		)
	}
	deliveriesTotal.WithLabelValues(ch.Type, record.Status).Inc()

	if err := d.store.RecordDelivery(ctx, record); err != nil {
		d.logger.Warn("failed to record delivery", zap.Error(err))
	}
	// A failure cut short by shutdown is not definitive; leave the alert
	// unmarked so it is retried on restart.
	return lastErr == nil || ctx.Err() == nil
}
