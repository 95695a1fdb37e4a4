package netobserver

import (
	"testing"

	"github.com/trackshift/upload/pkg/models"
)

func TestSpeedMonitorAverageAndCurrent(t *testing.T) {
	m := NewSpeedMonitor()
	for _, speed := range []float64{100, 200, 300, 400} {
		m.Record(models.NetworkSample{Direction: models.DirectionDown, SpeedKbPerS: speed})
	}

	if avg := m.AverageSpeed(models.DirectionDown); avg <= 0 {
		t.Fatalf("expected positive average speed, got %v", avg)
	}
	if cur := m.CurrentSpeed(models.DirectionDown); cur <= 0 {
		t.Fatalf("expected positive current speed, got %v", cur)
	}
}

func TestSpeedMonitorBandwidthEstimateSmooths(t *testing.T) {
	m := NewSpeedMonitor()
	for i := 0; i < 5; i++ {
		m.Record(models.NetworkSample{Direction: models.DirectionUp, SpeedKbPerS: 1000})
	}
	first := m.BandwidthEstimate(models.DirectionUp)
	m.Record(models.NetworkSample{Direction: models.DirectionUp, SpeedKbPerS: 10000})
	second := m.BandwidthEstimate(models.DirectionUp)
	if second <= first {
		t.Fatalf("expected estimate to rise after a high sample: first=%v second=%v", first, second)
	}
}

func TestSpeedMonitorDirectionsIndependent(t *testing.T) {
	m := NewSpeedMonitor()
	m.Record(models.NetworkSample{Direction: models.DirectionUp, SpeedKbPerS: 50})
	if down := m.AverageSpeed(models.DirectionDown); down != 0 {
		t.Fatalf("expected download average untouched by upload sample, got %v", down)
	}
}
