package netobserver

import "github.com/trackshift/upload/pkg/models"

// QualityInputs are the raw figures the Quality Evaluator combines into a
// score (spec.md §6.3, the authoritative grading table).
type QualityInputs struct {
	NetworkType       models.NetworkType
	AvgSpeedKbPerS    float64
	LatencyMs         float64
	JitterMs          float64
	TypeChanges       int
	Disconnections    int
	PacketLossPercent float64
}

// QualityEvaluator turns QualityInputs into a 0-100 score and a
// NetworkQualityGrade, table-driven the way the teacher's
// ChooseChunkSizeAI tiers chunk sizes by a switch over thresholds.
type QualityEvaluator struct{}

// NewQualityEvaluator returns a stateless QualityEvaluator.
func NewQualityEvaluator() *QualityEvaluator {
	return &QualityEvaluator{}
}

func baseScore(t models.NetworkType) int {
	switch t {
	case models.NetworkEthernet:
		return 100
	case models.NetworkWifi:
		return 90
	case models.Network5G:
		return 85
	case models.Network4G:
		return 70
	case models.Network3G:
		return 50
	case models.Network2G:
		return 30
	case models.NetworkNone:
		return 0
	default:
		return 40
	}
}

func speedScore(kbPerS float64) int {
	switch {
	case kbPerS >= 10000:
		return 30
	case kbPerS >= 5000:
		return 25
	case kbPerS >= 1000:
		return 20
	case kbPerS >= 500:
		return 15
	case kbPerS >= 100:
		return 10
	case kbPerS >= 50:
		return 5
	default:
		return 0
	}
}

func latencyScore(ms float64) int {
	switch {
	case ms < 50:
		return 30
	case ms < 100:
		return 25
	case ms < 200:
		return 20
	case ms < 300:
		return 15
	case ms < 500:
		return 10
	case ms < 1000:
		return 5
	default:
		return 0
	}
}

func jitterScore(ms float64) int {
	switch {
	case ms < 10:
		return 20
	case ms < 20:
		return 15
	case ms < 50:
		return 10
	case ms < 100:
		return 5
	default:
		return 0
	}
}

func stabilityPenalty(typeChanges, disconnections int) int {
	typePenalty := typeChanges * 5
	if typePenalty > 10 {
		typePenalty = 10
	}
	disconnectPenalty := disconnections * 10
	if disconnectPenalty > 20 {
		disconnectPenalty = 20
	}
	return typePenalty + disconnectPenalty
}

func packetLossPenalty(percent float64) int {
	switch {
	case percent < 1:
		return 0
	case percent < 5:
		return 5
	case percent < 10:
		return 10
	case percent < 20:
		return 20
	default:
		return 30
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Score computes the 0-100 quality score for in.
func (QualityEvaluator) Score(in QualityInputs) int {
	score := baseScore(in.NetworkType) +
		speedScore(in.AvgSpeedKbPerS) +
		latencyScore(in.LatencyMs) +
		jitterScore(in.JitterMs) -
		stabilityPenalty(in.TypeChanges, in.Disconnections) -
		packetLossPenalty(in.PacketLossPercent)
	return clampScore(score)
}

// Grade maps a 0-100 score to a NetworkQualityGrade. Monotone
// non-increasing, per spec.md §8 property 8.
func (QualityEvaluator) Grade(score int) models.NetworkQualityGrade {
	switch {
	case score >= 90:
		return models.GradeExcellent
	case score >= 70:
		return models.GradeGood
	case score >= 50:
		return models.GradeFair
	case score >= 30:
		return models.GradePoor
	case score > 0:
		return models.GradeVeryPoor
	default:
		return models.GradeUnusable
	}
}

// Evaluate is Score followed by Grade, the evaluator's usual entry point.
func (q QualityEvaluator) Evaluate(in QualityInputs) (int, models.NetworkQualityGrade) {
	score := q.Score(in)
	return score, q.Grade(score)
}
