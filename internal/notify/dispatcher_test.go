package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/internal/store"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

type fakeAlertManager struct {
	notified []string
}

func (f *fakeAlertManager) Materialize(context.Context, *outbreak.Case) (*outbreak.Alert, bool, error) {
	return nil, false, nil
}

func (f *fakeAlertManager) Transition(context.Context, string, outbreak.AlertStatus) (*outbreak.Alert, error) {
	return nil, nil
}

func (f *fakeAlertManager) MarkNotified(_ context.Context, alertID string) error {
	f.notified = append(f.notified, alertID)
	return nil
}

func testChannelStore(t *testing.T) *ChannelStore {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), "notify", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewChannelStore(st.DB())
}

func sampleAlert(severity outbreak.Severity) *outbreak.Alert {
	return &outbreak.Alert{
		ID:           "ALERT-20260310-1a2b3c4d",
		LocationID:   "district-7",
		Day:          time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		AnomalyScore: 0.8,
		Confidence:   0.9,
		Severity:     severity,
		Status:       outbreak.StatusActive,
	}
}

func TestDispatch_WebhookSignedDelivery(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cs := testChannelStore(t)
	ctx := context.Background()
	if err := cs.CreateChannel(ctx, &Channel{
		ID: "ch-1", Name: "ops", Type: "webhook", Target: srv.URL,
		Secret: "topsecret", MinSeverity: outbreak.SeverityLow,
		Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	alerts := &fakeAlertManager{}
	d := NewDispatcher(DefaultConfig(), cs, alerts, zap.NewNop())
	d.Dispatch(ctx, sampleAlert(outbreak.SeverityHigh), "escalated")

	if gotSig == "" {
		t.Fatal("no signature header on delivery")
	}
	if want := Sign("topsecret", gotBody); gotSig != want {
		t.Errorf("signature = %s, want %s", gotSig, want)
	}

	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Reason != "escalated" || payload.Alert.ID != "ALERT-20260310-1a2b3c4d" {
		t.Errorf("payload = %+v", payload)
	}

	// Successful delivery marks the alert notified.
	if len(alerts.notified) != 1 || alerts.notified[0] != "ALERT-20260310-1a2b3c4d" {
		t.Errorf("notified = %v, want the delivered alert", alerts.notified)
	}

	deliveries, err := cs.ListDeliveries(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != "delivered" {
		t.Errorf("deliveries = %+v, want one delivered", deliveries)
	}
}

func TestDispatch_SeverityFilter(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cs := testChannelStore(t)
	ctx := context.Background()
	if err := cs.CreateChannel(ctx, &Channel{
		ID: "ch-1", Name: "critical-only", Type: "webhook", Target: srv.URL,
		MinSeverity: outbreak.SeverityCritical, Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	alerts := &fakeAlertManager{}
	d := NewDispatcher(DefaultConfig(), cs, alerts, zap.NewNop())

	d.Dispatch(ctx, sampleAlert(outbreak.SeverityMedium), "escalated")
	if hits != 0 {
		t.Errorf("medium alert delivered to a critical-only channel")
	}
	// Nothing was attempted, so the alert stays unmarked and will be
	// retried once a matching channel exists.
	if len(alerts.notified) != 0 {
		t.Errorf("notified = %v, want none when no channel matched", alerts.notified)
	}

	d.Dispatch(ctx, sampleAlert(outbreak.SeverityCritical), "escalated")
	if hits != 1 {
		t.Errorf("critical alert hits = %d, want 1", hits)
	}
}

func TestDispatch_FailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cs := testChannelStore(t)
	ctx := context.Background()
	if err := cs.CreateChannel(ctx, &Channel{
		ID: "ch-1", Name: "broken", Type: "webhook", Target: srv.URL,
		MinSeverity: outbreak.SeverityLow, Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	alerts := &fakeAlertManager{}
	d := NewDispatcher(cfg, cs, alerts, zap.NewNop())
	d.Dispatch(ctx, sampleAlert(outbreak.SeverityHigh), "escalated")

	// Exhausting the retry budget is a definitive outcome: the alert is
	// marked notified so a permanently broken channel cannot cause a retry
	// storm. The failure itself stays auditable in the delivery log.
	if len(alerts.notified) != 1 || alerts.notified[0] != "ALERT-20260310-1a2b3c4d" {
		t.Errorf("notified = %v, want the alert marked after definitive failure", alerts.notified)
	}
	deliveries, err := cs.ListDeliveries(ctx, "ALERT-20260310-1a2b3c4d", 10)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != "failed" || deliveries[0].Error == "" {
		t.Errorf("deliveries = %+v, want one failed with error", deliveries)
	}
}

func TestDispatch_RecipientFanOut(t *testing.T) {
	cs := testChannelStore(t)
	ctx := context.Background()

	// Email channel with no fixed target: deliveries come from recipients.
	if err := cs.CreateChannel(ctx, &Channel{
		ID: "ch-1", Name: "district health staff", Type: "email",
		MinSeverity: outbreak.SeverityLow, Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := cs.CreateRecipient(ctx, &Recipient{
		ID: "rc-1", Name: "on-call epidemiologist", Email: "oncall@example.org",
		Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateRecipient: %v", err)
	}
	// Scoped to another location: must not receive.
	if err := cs.CreateRecipient(ctx, &Recipient{
		ID: "rc-2", Name: "elsewhere", Email: "other@example.org",
		LocationID: "district-99", Enabled: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateRecipient: %v", err)
	}

	alerts := &fakeAlertManager{}
	d := NewDispatcher(DefaultConfig(), cs, alerts, zap.NewNop())
	d.Dispatch(ctx, sampleAlert(outbreak.SeverityHigh), "escalated")

	deliveries, err := cs.ListDeliveries(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != "delivered" {
		t.Errorf("deliveries = %+v, want one delivered to the matching recipient", deliveries)
	}
	if len(alerts.notified) != 1 {
		t.Errorf("notified = %v, want the alert marked notified", alerts.notified)
	}
}

func TestChannelMatches(t *testing.T) {
	base := Channel{Enabled: true, MinSeverity: outbreak.SeverityMedium}

	if base.matches(sampleAlert(outbreak.SeverityLow)) {
		t.Error("low alert matched a medium-floor channel")
	}
	if !base.matches(sampleAlert(outbreak.SeverityMedium)) {
		t.Error("medium alert did not match")
	}

	disabled := base
	disabled.Enabled = false
	if disabled.matches(sampleAlert(outbreak.SeverityCritical)) {
		t.Error("disabled channel matched")
	}

	scoped := base
	scoped.LocationID = "elsewhere"
	if scoped.matches(sampleAlert(outbreak.SeverityCritical)) {
		t.Error("location-scoped channel matched a different location")
	}
}
