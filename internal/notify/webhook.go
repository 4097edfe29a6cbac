package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the channel secret, so receivers can authenticate deliveries.
const signatureHeader = "X-EpiWatch-Signature"

// webhookPayload is the delivery body posted to webhook channels.
type webhookPayload struct {
	Reason string          `json:"reason"`
	At     time.Time       `json:"at"`
	Alert  *outbreak.Alert `json:"alert"`
}

// WebhookNotifier delivers alerts as signed JSON POSTs.
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with the given per-attempt
// timeout.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, ch Channel, alert *outbreak.Alert, req outbreak.NotificationRequest) error {
	body, err := json.Marshal(webhookPayload{
		Reason: req.Reason,
		At:     req.At,
		Alert:  alert,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ch.Secret != "" {
		httpReq.Header.Set(signatureHeader, Sign(ch.Secret, body))
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
