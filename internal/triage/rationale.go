package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/llm"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// annotateRationale asks the LLM provider for a short narrative summary of
// an escalated case. The call is strictly advisory: a timeout, error, or
// missing provider leaves the verdict untouched and falls back to a
// deterministic summary.
func annotateRationale(ctx context.Context, provider llm.Provider, c *outbreak.Case, timeout time.Duration, logger *zap.Logger) {
	c.Evidence.Rationale = fallbackRationale(c)
	if provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := provider.Generate(ctx, rationalePrompt(c),
		llm.WithTemperature(0.2),
		llm.WithMaxTokens(256),
	)
	if err != nil {
		logger.Warn("rationale annotation unavailable",
			zap.String("location_id", c.Cell.LocationID),
			zap.Error(err))
		return
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		c.Evidence.Rationale = text
	}
}

func rationalePrompt(c *outbreak.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assisting an epidemic early-warning analyst. Summarize in 2-3 sentences why this location was flagged. Do not recommend actions; describe the evidence only.\n\n")
	fmt.Fprintf(&b, "Location: %s\nDay: %s\n", c.Cell.LocationID, c.Cell.Day.Format("2006-01-02"))
	fmt.Fprintf(&b, "Composite anomaly score: %.2f (confidence %.2f, severity %s)\n",
		c.Fusion.CompositeScore, c.FinalConfidence, c.Severity)
	fmt.Fprintf(&b, "Hospital events: %d (baseline mean %.1f)\n", c.Cell.HospitalEvents, c.Baseline.HospitalMean)
	if len(c.Evidence.Hospital.TopSymptoms) > 0 {
		fmt.Fprintf(&b, "Top symptoms: %v\n", c.Evidence.Hospital.TopSymptoms)
	}
	fmt.Fprintf(&b, "Social mentions: %d (baseline mean %.1f)\n", c.Cell.SocialMentions, c.Baseline.SocialMean)
	if len(c.Evidence.Social.TopKeywords) > 0 {
		fmt.Fprintf(&b, "Top keywords: %v\n", c.Evidence.Social.TopKeywords)
	}
	if a := c.Evidence.Environment.Assessment; a != nil && a.RiskLevel != "unknown" {
		fmt.Fprintf(&b, "Environmental risk: %s (%.1f/10), factors: %s\n",
			a.RiskLevel, a.RiskScore, strings.Join(a.Factors, "; "))
	}
	return b.String()
}

// fallbackRationale is the deterministic narrative used when no LLM
// provider is available or the call fails.
func fallbackRationale(c *outbreak.Case) string {
	parts := []string{
		fmt.Sprintf("anomaly score %.2f with %d signaling source categories", c.Fusion.CompositeScore, len(signalingCategories(c))),
	}
	if c.Cell.Sources.Hospital {
		parts = append(parts, fmt.Sprintf("%d hospital events against a baseline mean of %.1f", c.Cell.HospitalEvents, c.Baseline.HospitalMean))
	}
	if c.Cell.Sources.Social {
		parts = append(parts, fmt.Sprintf("%d social mentions", c.Cell.SocialMentions))
	}
	if a := c.Evidence.Environment.Assessment; a != nil && (a.RiskLevel == "high" || a.RiskLevel == "critical") {
		parts = append(parts, fmt.Sprintf("environmental risk assessed %s", a.RiskLevel))
	}
	return "Escalated on " + strings.Join(parts, "; ") + "."
}
