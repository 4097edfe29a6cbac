package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// fuse combines a score vector into a single composite result.
//
// Weights of invalid detectors are redistributed proportionally across the
// valid ones, so the effective weights always sum to 1. With zero valid
// detectors the composite and confidence are both zero. Confidence blends
// detector coverage with source coverage:
//
//	confidence = (valid / total detectors) x (sources present / 3)
func fuse(cell *outbreak.MetricCell, scores outbreak.ScoreVector, nominal map[outbreak.DetectorID]float64, runID string, now time.Time) *outbreak.FusionResult {
	result := &outbreak.FusionResult{
		ID:         contentID(cell, scores, nominal),
		LocationID: cell.LocationID,
		Day:        cell.Day,
		Scores:     scores,
		Weights:    map[outbreak.DetectorID]float64{},
		RunID:      runID,
		ComputedAt: now,
	}

	validWeight := 0.0
	for id, w := range nominal {
		if scores[id].Valid {
			validWeight += w
		}
	}
	if validWeight == 0 {
		return result
	}

	composite := 0.0
	for id, w := range nominal {
		if !scores[id].Valid {
			continue
		}
		redistributed := w / validWeight
		result.Weights[id] = redistributed
		composite += redistributed * scores[id].Normalized
	}
	if composite > 1 {
		composite = 1
	}

	result.CompositeScore = composite
	result.Confidence = float64(scores.ValidCount()) / float64(len(nominal)) *
		float64(cell.Sources.Present()) / 3
	return result
}

// checkFusion verifies the fusion computation contract: effective weights
// sum to 1 within 1e-9 when any detector is valid, and every score stays in
// [0,1]. A violation means a scoring bug, so the caller skips the cell.
func checkFusion(res *outbreak.FusionResult) error {
	if len(res.Weights) > 0 {
		sum := 0.0
		for _, w := range res.Weights {
			sum += w
		}
		if math.Abs(sum-1) > 1e-9 {
			return fmt.Errorf("fusion weights sum to %.12f", sum)
		}
	}
	for id, s := range res.Scores {
		if s.Valid && (math.IsNaN(s.Normalized) || s.Normalized < 0 || s.Normalized > 1) {
			return fmt.Errorf("detector %s normalized score %.6f out of range", id, s.Normalized)
		}
	}
	if res.CompositeScore < 0 || res.CompositeScore > 1 {
		return fmt.Errorf("composite score %.6f out of range", res.CompositeScore)
	}
	return nil
}

// contentID derives a stable identifier from the fusion inputs. Re-running
// detection over an unchanged cell with unchanged weights produces the same
// ID, which makes result storage idempotent.
func contentID(cell *outbreak.MetricCell, scores outbreak.ScoreVector, nominal map[outbreak.DetectorID]float64) string {
	ids := make([]string, 0, len(nominal))
	for id := range nominal {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", cell.LocationID, cell.Day.UTC().Format("2006-01-02"))
	for _, id := range ids {
		s := scores[outbreak.DetectorID(id)]
		fmt.Fprintf(&b, "|%s:%.9f:%.9f:%t:%.6f", id, s.Raw, s.Normalized, s.Valid, nominal[outbreak.DetectorID(id)])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "fus-" + hex.EncodeToString(sum[:8])
}
