// Package outbreak provides the public SDK types for the EpiWatch anomaly
// fusion and escalation pipeline. These types are shared across plugins.
package outbreak

import "time"

// DetectorID identifies an independent anomaly-scoring method.
// The enumeration is open: new detectors conforming to the scorer contract
// can be added without changing downstream consumers.
type DetectorID string

// Built-in detector identifiers.
const (
	DetectorZScore          DetectorID = "z_score"
	DetectorCUSUM           DetectorID = "cusum"
	DetectorEWMA            DetectorID = "ewma"
	DetectorIsolationForest DetectorID = "isolation_forest"
	DetectorLSTMAutoencoder DetectorID = "lstm_autoencoder"
	DetectorProphetResidual DetectorID = "prophet_residual"
)

// Detectors returns the built-in detector set in stable order.
func Detectors() []DetectorID {
	return []DetectorID{
		DetectorZScore,
		DetectorCUSUM,
		DetectorEWMA,
		DetectorIsolationForest,
		DetectorLSTMAutoencoder,
		DetectorProphetResidual,
	}
}

// Source category names for provenance and cross-source verification.
const (
	SourceHospital    = "hospital"
	SourceSocial      = "social"
	SourceEnvironment = "environment"
)

// SourceFlags marks which source categories contributed data to a cell.
type SourceFlags struct {
	Hospital    bool `json:"hospital"`
	Social      bool `json:"social"`
	Environment bool `json:"environment"`
}

// Present returns the number of source categories with data.
func (f SourceFlags) Present() int {
	n := 0
	if f.Hospital {
		n++
	}
	if f.Social {
		n++
	}
	if f.Environment {
		n++
	}
	return n
}

// EnvReadings summarizes environmental sensor data for one cell.
type EnvReadings struct {
	MosquitoIndex float64 `json:"mosquito_index"` // 0-10 vector breeding index
	RainfallMM    float64 `json:"rainfall_mm"`
	Humidity      float64 `json:"humidity"` // Percent
	TemperatureC  float64 `json:"temperature_c"`
	DataPoints    int     `json:"data_points"`
}

// MetricCell is one (location, day) aggregate of raw source data.
// Cells are immutable once ingested; reprocessing produces new downstream
// records rather than mutating the cell.
type MetricCell struct {
	LocationID     string             `json:"location_id"`
	Day            time.Time          `json:"day"` // UTC midnight bucket
	HospitalEvents int                `json:"hospital_events"`
	SymptomCounts  map[string]int     `json:"symptom_counts,omitempty"`
	SocialMentions int                `json:"social_mentions"`
	KeywordCounts  map[string]int     `json:"keyword_counts,omitempty"`
	EnvRiskIndex   float64            `json:"env_risk_index"` // 0-10
	Env            EnvReadings        `json:"env"`
	Sources        SourceFlags        `json:"sources"`
	ModelScores    map[string]float64 `json:"model_scores,omitempty"` // External model residuals, 0-1
	IngestedAt     time.Time          `json:"ingested_at"`
}

// TotalEvents returns the combined hospital and social signal volume.
func (c *MetricCell) TotalEvents() float64 {
	return float64(c.HospitalEvents + c.SocialMentions)
}

// DetectorScore is a single detector's output for one cell.
// Normalized is meaningful only when Valid is true.
type DetectorScore struct {
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"` // In [0,1]
	Valid      bool    `json:"valid"`
}

// ScoreVector holds all detector outputs for one MetricCell.
type ScoreVector map[DetectorID]DetectorScore

// ValidCount returns the number of valid detector scores.
func (v ScoreVector) ValidCount() int {
	n := 0
	for _, s := range v {
		if s.Valid {
			n++
		}
	}
	return n
}

// FusionResult is the composite output for one MetricCell. Results are
// content-addressed: recomputation with identical input yields the same ID,
// making re-runs idempotent.
type FusionResult struct {
	ID             string                 `json:"id"`
	LocationID     string                 `json:"location_id"`
	Day            time.Time              `json:"day"`
	CompositeScore float64                `json:"composite_score"` // In [0,1]
	Confidence     float64                `json:"confidence"`      // In [0,1]
	Weights        map[DetectorID]float64 `json:"weights"`         // Redistributed weights actually used
	Scores         ScoreVector            `json:"scores"`
	RunID          string                 `json:"run_id"`
	ComputedAt     time.Time              `json:"computed_at"`
}

// BaselineStats is a read-only per-location history snapshot taken at run
// start, used by validation stages for category-level corroboration checks.
type BaselineStats struct {
	Days           int     `json:"days"`
	HospitalMean   float64 `json:"hospital_mean"`
	HospitalStdDev float64 `json:"hospital_std_dev"`
	SocialMean     float64 `json:"social_mean"`
	SocialStdDev   float64 `json:"social_std_dev"`
}

// Verdict is a validation stage's decision for a Case.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictSuppress Verdict = "suppress"
	VerdictDefer    Verdict = "defer"
)

// Stage names for the validation pipeline state machine.
type Stage string

const (
	StageScreening     Stage = "screening"
	StageDataIntegrity Stage = "data_integrity"
	StageCrossSource   Stage = "cross_source_verification"
	StageEnvRisk       Stage = "environmental_risk"
	StageEscalation    Stage = "escalation"
	StageEscalated     Stage = "escalated"  // Terminal
	StageSuppressed    Stage = "suppressed" // Terminal
)

// StageVerdict records one stage's decision with its rationale, kept for
// audit even when the Case is discarded.
type StageVerdict struct {
	Stage     Stage     `json:"stage"`
	Verdict   Verdict   `json:"verdict"`
	Rationale string    `json:"rationale"`
	At        time.Time `json:"at"`
}

// Severity tiers derived from composite score and confidence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities for comparison (higher is more severe).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// RecommendedAction is one entry from the escalation rule table.
type RecommendedAction struct {
	Category string `json:"category"` // "medicine", "equipment", "staffing", "preparedness"
	Action   string `json:"action"`
	Priority string `json:"priority"` // "medium", "high", "critical"
	Target   string `json:"target"`   // "pharmacy", "hospital", "clinic", "public"
	Details  string `json:"details,omitempty"`
}

// EnvAssessment is the environmental risk stage's contextual enrichment.
type EnvAssessment struct {
	RiskLevel      string   `json:"risk_level"` // "low", "medium", "high", "critical", "unknown"
	RiskScore      float64  `json:"risk_score"` // 0-10
	Factors        []string `json:"factors,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// HospitalEvidence summarizes hospital signal for the evidence bundle.
type HospitalEvidence struct {
	HasData     bool           `json:"has_data"`
	TotalEvents int            `json:"total_events"`
	TopSymptoms map[string]int `json:"top_symptoms,omitempty"`
}

// SocialEvidence summarizes social-media signal for the evidence bundle.
type SocialEvidence struct {
	HasData       bool           `json:"has_data"`
	TotalMentions int            `json:"total_mentions"`
	TopKeywords   map[string]int `json:"top_keywords,omitempty"`
}

// EnvironmentEvidence summarizes environmental signal for the evidence bundle.
type EnvironmentEvidence struct {
	HasData    bool           `json:"has_data"`
	RiskScore  float64        `json:"risk_score"`
	RainfallMM float64        `json:"rainfall_mm"`
	DataPoints int            `json:"data_points"`
	Assessment *EnvAssessment `json:"assessment,omitempty"`
}

// Evidence is the accumulated evidence bundle carried by a Case and
// snapshotted into an Alert on escalation.
type Evidence struct {
	Hospital    HospitalEvidence       `json:"hospital"`
	Social      SocialEvidence         `json:"social"`
	Environment EnvironmentEvidence    `json:"environment"`
	ModelScores map[DetectorID]float64 `json:"model_scores,omitempty"`
	Rationale   string                 `json:"rationale,omitempty"` // Advisory narrative, never decisive
}

// Outcome is a Case's terminal disposition.
type Outcome string

const (
	OutcomeEscalate Outcome = "escalate"
	OutcomeSuppress Outcome = "suppress"
	OutcomeDefer    Outcome = "defer"
)

// Case is the mutable unit carried through the validation pipeline.
// A Case is owned exclusively by the run that created it.
type Case struct {
	RunID           string              `json:"run_id"`
	Cell            *MetricCell         `json:"cell"`
	Fusion          *FusionResult       `json:"fusion"`
	Baseline        BaselineStats       `json:"baseline"`
	Evidence        Evidence            `json:"evidence"`
	Stage           Stage               `json:"stage"`
	Verdicts        []StageVerdict      `json:"verdicts"`
	DeferCycles     int                 `json:"defer_cycles"`
	ConfidenceBoost float64             `json:"confidence_boost"`
	FinalConfidence float64             `json:"final_confidence"`
	Severity        Severity            `json:"severity,omitempty"`
	Actions         []RecommendedAction `json:"actions,omitempty"`
	Outcome         Outcome             `json:"outcome,omitempty"`
}

// AlertStatus is the user-facing alert lifecycle state.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved" // Terminal
)

// Alert is the persisted record of an escalated Case. The evidence field is
// a snapshot copy, so later data changes never retroactively alter history.
type Alert struct {
	ID             string              `json:"id"`
	LocationID     string              `json:"location_id"`
	Day            time.Time           `json:"day"`
	AnomalyScore   float64             `json:"anomaly_score"`
	Confidence     float64             `json:"confidence"`
	Severity       Severity            `json:"severity"`
	Evidence       Evidence            `json:"evidence"`
	Actions        []RecommendedAction `json:"recommended_actions"`
	Status         AlertStatus         `json:"status"`
	Notified       bool                `json:"notified"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	AcknowledgedAt *time.Time          `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
}

// NotificationRequest is emitted for every newly escalated alert and every
// evidence merge that raises severity.
type NotificationRequest struct {
	AlertID    string    `json:"alert_id"`
	LocationID string    `json:"location_id"`
	Severity   Severity  `json:"severity"`
	Reason     string    `json:"reason"` // "escalated" or "severity_raised"
	At         time.Time `json:"at"`
}

// RunStatus reports per-run progress counts, including partial progress
// when a run fails midway.
type RunStatus struct {
	ID              string     `json:"id"`
	Trigger         string     `json:"trigger"` // "scheduled", "ingest", or "manual"
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Success         bool       `json:"success"`
	CellsScored     int        `json:"cells_scored"`
	CellsFailed     int        `json:"cells_failed"`
	CellsPending    int        `json:"cells_pending"`
	CasesOpened     int        `json:"cases_opened"`
	CasesEscalated  int        `json:"cases_escalated"`
	CasesSuppressed int        `json:"cases_suppressed"`
	CasesDeferred   int        `json:"cases_deferred"`
	Error           string     `json:"error,omitempty"`
}
