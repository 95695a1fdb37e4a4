package netobserver

import (
	"testing"

	"github.com/trackshift/upload/pkg/models"
)

func TestQualityEvaluatorExcellentOnWifi(t *testing.T) {
	q := NewQualityEvaluator()
	score, grade := q.Evaluate(QualityInputs{
		NetworkType:    models.NetworkWifi,
		AvgSpeedKbPerS: 12000,
		LatencyMs:      20,
		JitterMs:       5,
	})
	if grade != models.GradeExcellent {
		t.Fatalf("expected Excellent grade, got %s (score %d)", grade, score)
	}
}

func TestQualityEvaluatorUnusableWhenOffline(t *testing.T) {
	q := NewQualityEvaluator()
	// no connection: base 0, no throughput, no usable RTT (latency and
	// jitter at the table's zero-score end), so every term is 0.
	score, grade := q.Evaluate(QualityInputs{NetworkType: models.NetworkNone, LatencyMs: 1000, JitterMs: 100})
	if score != 0 || grade != models.GradeUnusable {
		t.Fatalf("expected score 0 / Unusable, got %d / %s", score, grade)
	}
}

func TestQualityEvaluatorPenaltiesReduceScore(t *testing.T) {
	q := NewQualityEvaluator()
	// 2G base 30 + speed 25 + latency 10 + jitter 20 = 85, below the 100
	// clamp; the penalties then subtract 10+20 (stability) and 20 (loss).
	clean := q.Score(QualityInputs{NetworkType: models.Network2G, AvgSpeedKbPerS: 6000, LatencyMs: 400})
	penalized := q.Score(QualityInputs{
		NetworkType:       models.Network2G,
		AvgSpeedKbPerS:    6000,
		LatencyMs:         400,
		TypeChanges:       5,
		Disconnections:    3,
		PacketLossPercent: 15,
	})
	if penalized >= clean {
		t.Fatalf("expected penalties to reduce score: clean=%d penalized=%d", clean, penalized)
	}
}

func TestQualityEvaluatorGradeMonotoneNonIncreasing(t *testing.T) {
	q := NewQualityEvaluator()
	prevGrade := q.Grade(100)
	for score := 99; score >= 0; score-- {
		grade := q.Grade(score)
		if grade < prevGrade {
			t.Fatalf("grade decreased in ordinal terms as score fell at %d: prev=%s got=%s", score, prevGrade, grade)
		}
		prevGrade = grade
	}
}
