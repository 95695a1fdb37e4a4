package netobserver

import (
	"math"

	"github.com/trackshift/upload/pkg/models"
)

// autocorrelationThreshold is the minimum normalized autocorrelation for a
// candidate lag to be accepted as a genuine periodicity rather than noise.
const autocorrelationThreshold = 0.6

// TrendPredictor forecasts near-future network quality by looking for
// periodicity in recent speed/latency history, falling back to a simple
// direction-of-change vote when no periodicity is found (spec.md §4.4).
type TrendPredictor struct {
	evaluator QualityEvaluator
}

// NewTrendPredictor returns a TrendPredictor.
func NewTrendPredictor() *TrendPredictor {
	return &TrendPredictor{}
}

// Predict produces a NetworkPrediction from recent speed and latency
// samples (oldest first) and the connection's current network type.
func (p *TrendPredictor) Predict(speedHistory, latencyHistory []float64, networkType models.NetworkType, horizonMs int64) models.NetworkPrediction {
	expectedSpeed, speedConfidence := predictSeries(speedHistory)
	expectedLatency, latencyConfidence := predictSeries(latencyHistory)

	confidence := (speedConfidence + latencyConfidence) / 2
	score, grade := p.evaluator.Evaluate(QualityInputs{
		NetworkType:    networkType,
		AvgSpeedKbPerS: expectedSpeed,
		LatencyMs:      expectedLatency,
	})
	_ = score

	return models.NetworkPrediction{
		ExpectedGrade:       grade,
		Confidence:          confidence,
		ExpectedLatencyMs:   expectedLatency,
		ExpectedSpeedKbPerS: expectedSpeed,
		HorizonMs:           horizonMs,
	}
}

// predictSeries returns a forecast for the next value in series along with
// a confidence in [0,1]: autocorrelation-based if a periodic lag is found
// strongly enough, otherwise a direction-of-change majority-vote fallback.
func predictSeries(series []float64) (float64, float64) {
	n := len(series)
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return series[0], 0.2
	}

	if lag, corr, ok := bestPeriodicLag(series); ok {
		phase := series[n-lag]
		return phase, math.Min(1, corr)
	}
	return directionVoteForecast(series)
}

// bestPeriodicLag searches lags 2..min(10, n/2) for the one with the
// highest normalized autocorrelation, accepting it only if it clears
// autocorrelationThreshold.
func bestPeriodicLag(series []float64) (lag int, correlation float64, ok bool) {
	n := len(series)
	maxLag := n / 2
	if maxLag > 10 {
		maxLag = 10
	}
	if maxLag < 2 {
		return 0, 0, false
	}

	mean := meanOf(series)
	var variance float64
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	if variance == 0 {
		return 0, 0, false
	}

	bestLag := 0
	bestCorr := -1.0
	for candidate := 2; candidate <= maxLag; candidate++ {
		var num float64
		for i := candidate; i < n; i++ {
			num += (series[i] - mean) * (series[i-candidate] - mean)
		}
		corr := num / variance
		if corr > bestCorr {
			bestCorr = corr
			bestLag = candidate
		}
	}
	if bestCorr >= autocorrelationThreshold {
		return bestLag, bestCorr, true
	}
	return 0, 0, false
}

// directionVoteForecast extrapolates from the majority sign of consecutive
// differences, with confidence proportional to how one-sided the vote is.
func directionVoteForecast(series []float64) (float64, float64) {
	n := len(series)
	var up, down int
	var sumDiff float64
	for i := 1; i < n; i++ {
		d := series[i] - series[i-1]
		sumDiff += d
		switch {
		case d > 0:
			up++
		case d < 0:
			down++
		}
	}
	votes := up + down
	avgDiff := sumDiff / float64(n-1)

	last := series[n-1]
	forecast := last + avgDiff

	if votes == 0 {
		return last, 0.3
	}
	majority := up
	if down > majority {
		majority = down
	}
	confidence := float64(majority) / float64(votes)
	// Scale down: a direction vote is inherently weaker evidence than a
	// detected periodicity.
	return forecast, 0.5 * confidence
}

func meanOf(series []float64) float64 {
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}
