package triage

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/llm"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// blockingProvider waits out its context, simulating a stalled model server.
type blockingProvider struct{}

func (blockingProvider) Generate(ctx context.Context, _ string, _ ...llm.CallOption) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProvider) Chat(ctx context.Context, _ []llm.Message, _ ...llm.CallOption) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type cannedProvider struct {
	content string
}

func (p cannedProvider) Generate(context.Context, string, ...llm.CallOption) (*llm.Response, error) {
	return &llm.Response{Content: p.content, Done: true}, nil
}

func (p cannedProvider) Chat(context.Context, []llm.Message, ...llm.CallOption) (*llm.Response, error) {
	return &llm.Response{Content: p.content, Done: true}, nil
}

func rationaleCase() *outbreak.Case {
	cell := strongCell()
	c := newCase("run-test", fusionFor(cell, 0.75, 0.9), cell, outbreak.BaselineStats{HospitalMean: 12, SocialMean: 30})
	c.FinalConfidence = 0.9
	c.Severity = outbreak.SeverityHigh
	return c
}

func TestAnnotateRationale_TimeoutKeepsFallback(t *testing.T) {
	c := rationaleCase()
	want := fallbackRationale(c)

	start := time.Now()
	annotateRationale(context.Background(), blockingProvider{}, c, 50*time.Millisecond, zap.NewNop())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("annotation took %v, timeout not applied", elapsed)
	}

	if c.Evidence.Rationale != want {
		t.Errorf("rationale = %q, want deterministic fallback %q", c.Evidence.Rationale, want)
	}
	if !strings.HasPrefix(c.Evidence.Rationale, "Escalated on ") {
		t.Errorf("fallback rationale = %q", c.Evidence.Rationale)
	}
}

func TestAnnotateRationale_ProviderTextWins(t *testing.T) {
	c := rationaleCase()
	annotateRationale(context.Background(), cannedProvider{content: "  Hospital visits tripled over baseline.  "}, c, time.Second, zap.NewNop())
	if c.Evidence.Rationale != "Hospital visits tripled over baseline." {
		t.Errorf("rationale = %q", c.Evidence.Rationale)
	}
}

func TestAnnotateRationale_EmptyResponseKeepsFallback(t *testing.T) {
	c := rationaleCase()
	want := fallbackRationale(c)
	annotateRationale(context.Background(), cannedProvider{content: "   "}, c, time.Second, zap.NewNop())
	if c.Evidence.Rationale != want {
		t.Errorf("rationale = %q, want fallback", c.Evidence.Rationale)
	}
}

func TestAnnotateRationale_NilProvider(t *testing.T) {
	c := rationaleCase()
	annotateRationale(context.Background(), nil, c, time.Second, zap.NewNop())
	if c.Evidence.Rationale == "" {
		t.Error("nil provider left rationale empty")
	}
}
