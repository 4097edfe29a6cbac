package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// EmailNotifier logs the delivery instead of sending.
// TODO: wire an SMTP sender once an outbound mail relay is provisioned.
type EmailNotifier struct {
	logger *zap.Logger
}

// NewEmailNotifier creates the log-only email notifier.
func NewEmailNotifier(logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *EmailNotifier) Notify(_ context.Context, ch Channel, alert *outbreak.Alert, req outbreak.NotificationRequest) error {
	n.logger.Info("email notification (stub)",
		zap.String("to", ch.Target),
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("reason", req.Reason),
	)
	return nil
}

// SMSNotifier logs the delivery instead of sending.
type SMSNotifier struct {
	logger *zap.Logger
}

// NewSMSNotifier creates the log-only SMS notifier.
func NewSMSNotifier(logger *zap.Logger) *SMSNotifier {
	return &SMSNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *SMSNotifier) Notify(_ context.Context, ch Channel, alert *outbreak.Alert, req outbreak.NotificationRequest) error {
	n.logger.Info("sms notification (stub)",
		zap.String("to", ch.Target),
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("reason", req.Reason),
	)
	return nil
}
