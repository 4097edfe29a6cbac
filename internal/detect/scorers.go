package detect

import (
	"math"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// scoreCell runs every detector against one cell and its history, returning
// the full score vector plus the baseline snapshot used downstream by the
// validation pipeline. Detectors that lack sufficient history report
// Valid=false and are excluded from fusion.
func scoreCell(cell *outbreak.MetricCell, history []outbreak.MetricCell, cfg Config) (outbreak.ScoreVector, outbreak.BaselineStats) {
	series := make([]float64, len(history))
	hospital := make([]float64, len(history))
	social := make([]float64, len(history))
	for i := range history {
		series[i] = history[i].TotalEvents()
		hospital[i] = float64(history[i].HospitalEvents)
		social[i] = float64(history[i].SocialMentions)
	}
	current := cell.TotalEvents()

	hMean, hStd := meanStd(hospital)
	sMean, sStd := meanStd(social)
	baseline := outbreak.BaselineStats{
		Days:           len(history),
		HospitalMean:   hMean,
		HospitalStdDev: hStd,
		SocialMean:     sMean,
		SocialStdDev:   sStd,
	}

	scores := outbreak.ScoreVector{
		outbreak.DetectorZScore:          scoreZ(series, current, cfg.ZScoreMinHistory),
		outbreak.DetectorCUSUM:           scoreCUSUM(series, current, cfg.CUSUMDrift, cfg.CUSUMMinHistory),
		outbreak.DetectorEWMA:            scoreEWMA(series, current, cfg.EWMAAlpha, cfg.EWMAMinHistory),
		outbreak.DetectorProphetResidual: scoreForecastResidual(history, cell, cfg.ForecastMinHistory),
		outbreak.DetectorIsolationForest: scoreExternalModel(cell, outbreak.DetectorIsolationForest),
		outbreak.DetectorLSTMAutoencoder: scoreExternalModel(cell, outbreak.DetectorLSTMAutoencoder),
	}
	return scores, baseline
}

// scoreZ measures today's deviation from the historical mean in σ units.
func scoreZ(series []float64, current float64, minHistory int) outbreak.DetectorScore {
	if len(series) < minHistory {
		return outbreak.DetectorScore{}
	}
	mean, std := meanStd(series)
	if std == 0 {
		return outbreak.DetectorScore{}
	}
	raw := (current - mean) / std
	return outbreak.DetectorScore{Raw: raw, Normalized: normalizeScore(raw), Valid: true}
}

// scoreCUSUM accumulates positive deviations beyond the drift allowance.
// The positive sum is expressed in σ units and scaled by 3 before
// normalization so multi-day accumulation saturates gradually instead of
// pinning the score after a single large day.
func scoreCUSUM(series []float64, current float64, drift float64, minHistory int) outbreak.DetectorScore {
	if len(series) < minHistory {
		return outbreak.DetectorScore{}
	}
	mean, std := meanStd(series)
	if std == 0 {
		return outbreak.DetectorScore{}
	}

	allowance := drift * std
	sum := 0.0
	for _, v := range append(append([]float64{}, series...), current) {
		sum = math.Max(0, sum+(v-mean-allowance))
	}
	raw := sum / std
	return outbreak.DetectorScore{Raw: raw, Normalized: normalizeScore(raw / 3), Valid: true}
}

// scoreEWMA compares today against an exponentially weighted moving average
// of the history, using the history's residual spread as the scale.
func scoreEWMA(series []float64, current float64, alpha float64, minHistory int) outbreak.DetectorScore {
	if len(series) < minHistory {
		return outbreak.DetectorScore{}
	}

	ewma := series[0]
	residuals := make([]float64, 0, len(series))
	for _, v := range series[1:] {
		residuals = append(residuals, v-ewma)
		ewma = alpha*v + (1-alpha)*ewma
	}
	_, std := meanStd(residuals)
	if std == 0 {
		return outbreak.DetectorScore{}
	}
	raw := (current - ewma) / std
	return outbreak.DetectorScore{Raw: raw, Normalized: normalizeScore(raw), Valid: true}
}

// scoreForecastResidual scores the residual against a seasonal-naive
// forecast: the expected value is the mean of history days sharing the
// cell's weekday when at least two such days exist, otherwise the overall
// mean. Residual spread across the whole history sets the scale.
func scoreForecastResidual(history []outbreak.MetricCell, cell *outbreak.MetricCell, minHistory int) outbreak.DetectorScore {
	if len(history) < minHistory {
		return outbreak.DetectorScore{}
	}

	weekday := cell.Day.Weekday()
	var sameDay []float64
	all := make([]float64, len(history))
	for i := range history {
		all[i] = history[i].TotalEvents()
		if history[i].Day.Weekday() == weekday {
			sameDay = append(sameDay, history[i].TotalEvents())
		}
	}

	var predicted float64
	if len(sameDay) >= 2 {
		predicted, _ = meanStd(sameDay)
	} else {
		predicted, _ = meanStd(all)
	}

	mean, _ := meanStd(all)
	residuals := make([]float64, len(all))
	for i, v := range all {
		residuals[i] = v - mean
	}
	_, std := meanStd(residuals)
	if std == 0 {
		return outbreak.DetectorScore{}
	}
	raw := (cell.TotalEvents() - predicted) / std
	return outbreak.DetectorScore{Raw: raw, Normalized: normalizeScore(raw), Valid: true}
}

// scoreExternalModel adapts a pre-computed model residual carried on the
// cell. Scores must already be normalized to [0,1]; anything else marks the
// detector invalid rather than poisoning the fusion.
func scoreExternalModel(cell *outbreak.MetricCell, id outbreak.DetectorID) outbreak.DetectorScore {
	score, ok := cell.ModelScores[string(id)]
	if !ok || math.IsNaN(score) || score < 0 || score > 1 {
		return outbreak.DetectorScore{}
	}
	return outbreak.DetectorScore{Raw: score, Normalized: score, Valid: true}
}

// normalizeScore maps a non-negative deviation (in σ units) into [0,1) with
// a rescaled sigmoid: 2/(1+e^(-x/2))-1. Negative deviations are not
// anomalous and map to zero.
func normalizeScore(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return 2/(1+math.Exp(-x/2)) - 1
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
