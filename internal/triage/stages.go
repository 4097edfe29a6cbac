package triage

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// stageFunc is one validation stage. Stages are pure: they inspect and
// annotate the Case and return a verdict, but never touch storage or the
// network. That keeps every verdict deterministic and replayable.
type stageFunc func(c *outbreak.Case, cfg Config) (outbreak.Verdict, string)

// pipelineStages returns the ordered validation stages a case passes
// through after screening.
func pipelineStages() []struct {
	Stage outbreak.Stage
	Fn    stageFunc
} {
	return []struct {
		Stage outbreak.Stage
		Fn    stageFunc
	}{
		{outbreak.StageDataIntegrity, stageDataIntegrity},
		{outbreak.StageCrossSource, stageCrossSource},
		{outbreak.StageEnvRisk, stageEnvRisk},
		{outbreak.StageEscalation, stageEscalation},
	}
}

// stageScreening rejects cases whose composite score never reached the
// escalation threshold. Detection normally filters these before triage, so
// a suppress here indicates threshold drift between the two modules.
func stageScreening(c *outbreak.Case, cfg Config) (outbreak.Verdict, string) {
	if c.Fusion.CompositeScore < cfg.EscalationThreshold {
		return outbreak.VerdictSuppress,
			fmt.Sprintf("composite score %.3f below screening threshold %.2f", c.Fusion.CompositeScore, cfg.EscalationThreshold)
	}
	return outbreak.VerdictPass, fmt.Sprintf("composite score %.3f passed screening", c.Fusion.CompositeScore)
}

// stageDataIntegrity suppresses structurally invalid cases and defers cases
// whose sample volume is too small to judge yet.
func stageDataIntegrity(c *outbreak.Case, cfg Config) (outbreak.Verdict, string) {
	if reason := structuralViolation(c.Cell); reason != "" {
		return outbreak.VerdictSuppress, reason
	}
	if valid := c.Fusion.Scores.ValidCount(); valid < cfg.MinValidDetectors {
		return outbreak.VerdictSuppress,
			fmt.Sprintf("only %d valid detectors, minimum %d", valid, cfg.MinValidDetectors)
	}
	total := int(c.Cell.TotalEvents())
	if total < cfg.MinTotalEvents {
		return outbreak.VerdictDefer,
			fmt.Sprintf("%d total events below minimum %d, too early to judge", total, cfg.MinTotalEvents)
	}
	return outbreak.VerdictPass,
		fmt.Sprintf("%d events across %d valid detectors", total, c.Fusion.Scores.ValidCount())
}

// structuralViolation returns a non-empty reason when the cell's data
// contradicts itself. These cases are unrecoverable and never deferred.
func structuralViolation(cell *outbreak.MetricCell) string {
	if cell.HospitalEvents < 0 || cell.SocialMentions < 0 {
		return "negative event counts"
	}
	for symptom, n := range cell.SymptomCounts {
		if n < 0 {
			return fmt.Sprintf("negative count for symptom %q", symptom)
		}
	}
	for keyword, n := range cell.KeywordCounts {
		if n < 0 {
			return fmt.Sprintf("negative count for keyword %q", keyword)
		}
	}
	if math.IsNaN(cell.EnvRiskIndex) {
		return "environmental risk index is not a number"
	}
	if !cell.Sources.Hospital && cell.HospitalEvents > 0 {
		return "hospital events recorded without hospital provenance"
	}
	if !cell.Sources.Social && cell.SocialMentions > 0 {
		return "social mentions recorded without social provenance"
	}
	return ""
}

// stageCrossSource checks that independent source categories corroborate
// the signal. A category corroborates only when its own data deviates:
// hospital and social counts must exceed the baseline mean by two standard
// deviations, environment must carry a risk index at or above the signal
// threshold. Merely having data in a category is not corroboration. Each
// signaling category beyond the first boosts confidence; a case with fewer
// than two signaling categories is deferred to wait for more data unless
// its score is extreme enough to override.
func stageCrossSource(c *outbreak.Case, cfg Config) (outbreak.Verdict, string) {
	signals := signalingCategories(c)
	if len(signals) >= 2 {
		boost := corroborationBoostPerSource * float64(len(signals)-1)
		if boost > corroborationBoostCap {
			boost = corroborationBoostCap
		}
		c.ConfidenceBoost += boost
		return outbreak.VerdictPass,
			fmt.Sprintf("%d categories signal (%s), confidence boost +%.2f",
				len(signals), strings.Join(signals, ", "), boost)
	}
	if c.Fusion.CompositeScore >= cfg.SingleSourceOverride {
		return outbreak.VerdictPass,
			fmt.Sprintf("only %d category signals but score %.3f triggers override",
				len(signals), c.Fusion.CompositeScore)
	}
	return outbreak.VerdictDefer,
		fmt.Sprintf("only %d source category signals, awaiting corroboration", len(signals))
}

// signalingCategories lists the source categories whose data deviates from
// the baseline for this location.
func signalingCategories(c *outbreak.Case) []string {
	var out []string
	if c.Cell.Sources.Hospital &&
		float64(c.Cell.HospitalEvents) > c.Baseline.HospitalMean+2*c.Baseline.HospitalStdDev {
		out = append(out, "hospital")
	}
	if c.Cell.Sources.Social &&
		float64(c.Cell.SocialMentions) > c.Baseline.SocialMean+2*c.Baseline.SocialStdDev {
		out = append(out, "social")
	}
	if c.Cell.Sources.Environment && c.Cell.EnvRiskIndex >= envSignalRisk {
		out = append(out, "environment")
	}
	return out
}

// stageEnvRisk enriches the case with an environmental risk assessment.
// Advisory by default: missing environmental data degrades to an unknown
// assessment rather than blocking escalation. With AllowEnvSuppress set, an
// environment-driven case whose measured risk contradicts the anomaly is
// suppressed.
func stageEnvRisk(c *outbreak.Case, cfg Config) (outbreak.Verdict, string) {
	assessment := assessEnvironment(c.Cell)
	c.Evidence.Environment.Assessment = &assessment

	if cfg.AllowEnvSuppress && assessment.RiskLevel != "unknown" &&
		assessment.RiskScore < cfg.EnvContradictionBelow && environmentDriven(c.Cell) {
		return outbreak.VerdictSuppress,
			fmt.Sprintf("environmental risk %.1f contradicts an environment-driven anomaly", assessment.RiskScore)
	}

	if assessment.RiskLevel == "high" || assessment.RiskLevel == "critical" {
		c.ConfidenceBoost += envRiskBoost
		return outbreak.VerdictPass,
			fmt.Sprintf("environmental risk %s (%.1f), confidence boost +%.2f", assessment.RiskLevel, assessment.RiskScore, envRiskBoost)
	}
	return outbreak.VerdictPass,
		fmt.Sprintf("environmental risk %s (%.1f)", assessment.RiskLevel, assessment.RiskScore)
}

// stageEscalation finalizes confidence, enforces the confidence floor,
// assigns the severity tier, and builds the recommended action list.
func stageEscalation(c *outbreak.Case, cfg Config) (outbreak.Verdict, string) {
	final := c.Fusion.Confidence + c.ConfidenceBoost
	if final > 1 {
		final = 1
	}
	c.FinalConfidence = final

	if final < cfg.MinConfidence {
		if c.Fusion.CompositeScore < cfg.SingleSourceOverride {
			return outbreak.VerdictSuppress,
				fmt.Sprintf("final confidence %.3f below floor %.2f", final, cfg.MinConfidence)
		}
		// An extreme composite score overrides the floor so a severe
		// single-source outbreak is never silently discarded.
	}

	c.Severity = severityFor(c.Fusion.CompositeScore * final)
	c.Actions = recommendActions(c)

	return outbreak.VerdictPass,
		fmt.Sprintf("severity %s at score %.3f, confidence %.3f", c.Severity, c.Fusion.CompositeScore, final)
}

// environmentDriven reports whether the environmental signal is the only
// source category backing the cell.
func environmentDriven(cell *outbreak.MetricCell) bool {
	return cell.Sources.Environment && cell.Sources.Present() == 1
}

// severityFor maps the confidence-weighted score to a severity tier.
func severityFor(effective float64) outbreak.Severity {
	switch {
	case effective >= 0.8:
		return outbreak.SeverityCritical
	case effective >= 0.6:
		return outbreak.SeverityHigh
	case effective >= 0.4:
		return outbreak.SeverityMedium
	default:
		return outbreak.SeverityLow
	}
}

// assessEnvironment derives a vector-risk assessment from the cell's
// environmental readings.
func assessEnvironment(cell *outbreak.MetricCell) outbreak.EnvAssessment {
	if cell.Env.DataPoints == 0 && cell.EnvRiskIndex == 0 {
		return outbreak.EnvAssessment{RiskLevel: "unknown"}
	}

	var factors []string
	if cell.Env.MosquitoIndex >= 7 {
		factors = append(factors, "high mosquito breeding index")
	}
	if cell.Env.RainfallMM >= 100 {
		factors = append(factors, "heavy recent rainfall")
	}
	if cell.Env.Humidity >= 80 {
		factors = append(factors, "sustained high humidity")
	}
	if cell.Env.TemperatureC >= 25 && cell.Env.TemperatureC <= 35 {
		factors = append(factors, "temperature favorable for vector activity")
	}

	score := cell.EnvRiskIndex
	if score == 0 {
		score = float64(len(factors)) * 2.5
	}

	level := "low"
	switch {
	case score >= 7.5:
		level = "critical"
	case score >= 5:
		level = "high"
	case score >= 3:
		level = "medium"
	}

	assessment := outbreak.EnvAssessment{
		RiskLevel: level,
		RiskScore: score,
		Factors:   factors,
	}
	if level == "high" || level == "critical" {
		assessment.Recommendation = "initiate vector control and advise public on standing water removal"
	}
	return assessment
}

// buildEvidence snapshots the cell's signal into the case evidence bundle.
func buildEvidence(cell *outbreak.MetricCell, fusion *outbreak.FusionResult) outbreak.Evidence {
	ev := outbreak.Evidence{
		Hospital: outbreak.HospitalEvidence{
			HasData:     cell.Sources.Hospital,
			TotalEvents: cell.HospitalEvents,
			TopSymptoms: topCounts(cell.SymptomCounts, 5),
		},
		Social: outbreak.SocialEvidence{
			HasData:       cell.Sources.Social,
			TotalMentions: cell.SocialMentions,
			TopKeywords:   topCounts(cell.KeywordCounts, 5),
		},
		Environment: outbreak.EnvironmentEvidence{
			HasData:    cell.Sources.Environment,
			RiskScore:  cell.EnvRiskIndex,
			RainfallMM: cell.Env.RainfallMM,
			DataPoints: cell.Env.DataPoints,
		},
	}

	for id, score := range fusion.Scores {
		if score.Valid {
			if ev.ModelScores == nil {
				ev.ModelScores = map[outbreak.DetectorID]float64{}
			}
			ev.ModelScores[id] = score.Normalized
		}
	}
	return ev
}

// topCounts returns the n highest-count entries.
func topCounts(counts map[string]int, n int) map[string]int {
	if len(counts) <= n {
		return counts
	}
	type kv struct {
		k string
		v int
	}
	entries := make([]kv, 0, len(counts))
	for k, v := range counts {
		entries = append(entries, kv{k, v})
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].v > entries[i].v {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	out := make(map[string]int, n)
	for _, e := range entries[:n] {
		out[e.k] = e.v
	}
	return out
}

// newCase builds the initial pipeline case for a fusion result.
func newCase(runID string, fusion *outbreak.FusionResult, cell *outbreak.MetricCell, baseline outbreak.BaselineStats) *outbreak.Case {
	return &outbreak.Case{
		RunID:    runID,
		Cell:     cell,
		Fusion:   fusion,
		Baseline: baseline,
		Evidence: buildEvidence(cell, fusion),
		Stage:    outbreak.StageScreening,
	}
}

// record appends a stage verdict to the case audit trail.
func record(c *outbreak.Case, stage outbreak.Stage, verdict outbreak.Verdict, rationale string) {
	c.Verdicts = append(c.Verdicts, outbreak.StageVerdict{
		Stage:     stage,
		Verdict:   verdict,
		Rationale: rationale,
		At:        time.Now().UTC(),
	})
}
