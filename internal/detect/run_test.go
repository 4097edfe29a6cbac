package detect

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
)

type staticIngest struct {
	cells []outbreak.MetricCell
}

func (s staticIngest) PendingCells(context.Context, time.Time) ([]outbreak.MetricCell, error) {
	return s.cells, nil
}

func (s staticIngest) History(context.Context, string, time.Time, int) ([]outbreak.MetricCell, error) {
	return nil, nil
}

func TestRunOnce_RecordsTrigger(t *testing.T) {
	st := testRunStore(t)
	r := &runner{cfg: DefaultConfig(), store: st, ingest: staticIngest{}, logger: zap.NewNop()}

	run, err := r.RunOnce(context.Background(), "manual")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if run.Trigger != "manual" {
		t.Errorf("trigger = %q, want manual", run.Trigger)
	}

	stored, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored == nil || stored.Trigger != "manual" {
		t.Errorf("stored run = %+v, want trigger manual", stored)
	}
}

func TestCellsIngestedRunLabeled(t *testing.T) {
	st := testRunStore(t)
	m := &Module{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		store:  st,
		runner: &runner{cfg: DefaultConfig(), store: st, ingest: staticIngest{}, logger: zap.NewNop()},
	}

	m.onCellsIngested(context.Background(), plugin.Event{Topic: "ingest.cells.ingested"})

	runs, err := st.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	// Event-triggered runs carry their own label so run history tells them
	// apart from interval runs.
	if runs[0].Trigger != "ingest" {
		t.Errorf("trigger = %q, want ingest", runs[0].Trigger)
	}
	if !runs[0].Success {
		t.Errorf("run failed: %s", runs[0].Error)
	}
}
