package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
)

// ErrRunInProgress is returned when a run is requested while another is
// still executing. Runs never overlap.
var ErrRunInProgress = errors.New("detection run already in progress")

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epiwatch_detect_runs_total",
		Help: "Detection runs by trigger and outcome.",
	}, []string{"trigger", "status"})

	cellsScoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epiwatch_detect_cells_scored_total",
		Help: "Metric cells scored across all runs.",
	})

	anomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epiwatch_detect_anomalies_total",
		Help: "Fusion results that crossed the anomaly threshold.",
	})
)

// runner executes detection runs: it pulls pending cells from the ingest
// role, scores and fuses each cell with a bounded worker pool, and hands
// anomalies to the triage role.
type runner struct {
	cfg    Config
	store  *RunStore
	ingest roles.IngestProvider
	triage roles.TriageProvider // Optional; nil when the triage plugin is disabled
	bus    plugin.EventBus
	logger *zap.Logger

	mu sync.Mutex // Serializes runs
}

// RunOnce executes one full detection run. Returns ErrRunInProgress when
// called while another run holds the lock.
func (r *runner) RunOnce(ctx context.Context, trigger string) (*outbreak.RunStatus, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	run := &outbreak.RunStatus{
		ID:        "run-" + strings.Split(uuid.New().String(), "-")[0],
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	r.publish(TopicRunStarted, run)
	r.logger.Info("detection run started",
		zap.String("run_id", run.ID), zap.String("trigger", trigger))

	err := r.execute(ctx, run)

	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Success = err == nil
	status := "succeeded"
	if err != nil {
		run.Error = err.Error()
		status = "failed"
	}
	runsTotal.WithLabelValues(trigger, status).Inc()

	// Persist final counters even on failure; partial progress is reported.
	if ferr := r.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		r.logger.Error("failed to record run outcome", zap.Error(ferr))
	}
	r.publish(TopicRunCompleted, run)
	r.logger.Info("detection run finished",
		zap.String("run_id", run.ID),
		zap.Bool("success", run.Success),
		zap.Int("cells_scored", run.CellsScored),
		zap.Int("cases_opened", run.CasesOpened),
		zap.Int("cases_escalated", run.CasesEscalated),
	)
	return run, err
}

func (r *runner) execute(ctx context.Context, run *outbreak.RunStatus) error {
	watermark, err := r.store.Watermark(ctx)
	if err != nil {
		return err
	}

	cells, err := r.ingest.PendingCells(ctx, watermark)
	if err != nil {
		return fmt.Errorf("load pending cells: %w", err)
	}
	run.CellsPending = len(cells)
	if len(cells) == 0 {
		return nil
	}

	weights := r.cfg.weights()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.cfg.MaxWorkers)
	)
	for i := range cells {
		cell := &cells[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := r.processCell(ctx, run.ID, cell, weights)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.CellsFailed++
				r.logger.Warn("cell scoring failed",
					zap.String("location_id", cell.LocationID),
					zap.Time("day", cell.Day),
					zap.Error(err))
				return
			}
			run.CellsScored++
			cellsScoredTotal.Inc()
			if outcome != nil {
				run.CasesOpened++
				switch outcome.Outcome {
				case outbreak.OutcomeEscalate:
					run.CasesEscalated++
				case outbreak.OutcomeSuppress:
					run.CasesSuppressed++
				case outbreak.OutcomeDefer:
					run.CasesDeferred++
				}
			}
		}()
	}
	wg.Wait()

	// Deferred cases parked by earlier runs get another look now that new
	// data may have arrived.
	if r.triage != nil {
		summary, err := r.triage.Reevaluate(ctx, run.ID)
		if err != nil {
			r.logger.Warn("deferred case re-evaluation failed", zap.Error(err))
		} else if summary != nil {
			run.CasesEscalated += summary.Escalated
			run.CasesSuppressed += summary.Suppressed
			run.CasesDeferred += summary.Deferred
		}
	}

	if run.CellsFailed > 0 {
		return fmt.Errorf("%d of %d cells failed scoring", run.CellsFailed, run.CellsPending)
	}
	return nil
}

// processCell scores and fuses one cell. The returned TriageResult is nil
// when the cell stayed below the anomaly threshold.
func (r *runner) processCell(ctx context.Context, runID string, cell *outbreak.MetricCell, weights map[outbreak.DetectorID]float64) (*roles.TriageResult, error) {
	history, err := r.ingest.History(ctx, cell.LocationID, cell.Day, r.cfg.HistoryDays)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	scores, baseline := scoreCell(cell, history, r.cfg)
	fusion := fuse(cell, scores, weights, runID, time.Now().UTC())
	if err := checkFusion(fusion); err != nil {
		return nil, fmt.Errorf("fusion contract: %w", err)
	}

	if err := r.store.UpsertResult(ctx, fusion); err != nil {
		return nil, err
	}

	if fusion.CompositeScore < r.cfg.AnomalyThreshold {
		return nil, nil
	}
	anomaliesTotal.Inc()
	r.publish(TopicAnomalyDetected, fusion)

	if r.triage == nil {
		return nil, nil
	}
	result, err := r.triage.ProcessAnomaly(ctx, fusion, cell, baseline)
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}
	return result, nil
}

func (r *runner) publish(topic string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.PublishAsync(context.Background(), plugin.Event{
		Topic:     topic,
		Source:    "detect",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
