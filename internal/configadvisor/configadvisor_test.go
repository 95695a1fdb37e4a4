package configadvisor

import (
	"testing"

	"github.com/trackshift/upload/pkg/models"
)

func TestAdviseBaselineBySize(t *testing.T) {
	small := Advise(Inputs{FileSize: 1 * mib})
	if small.ChunkSize != 512*kib || small.Concurrency != 2 {
		t.Fatalf("small file baseline wrong: %+v", small)
	}

	medium := Advise(Inputs{FileSize: 50 * mib})
	if medium.ChunkSize != 2*mib || medium.Concurrency != 3 {
		t.Fatalf("medium file baseline wrong: %+v", medium)
	}

	large := Advise(Inputs{FileSize: 500 * mib})
	if large.ChunkSize != 5*mib || !large.UseWorker {
		t.Fatalf("large file baseline wrong: %+v", large)
	}
}

func TestAdviseEnvironmentClampForMiniProgram(t *testing.T) {
	cfg := Advise(Inputs{
		FileSize:     500 * mib,
		Capabilities: models.EnvironmentCapabilities{Variant: models.VariantWeChatMiniProgram},
	})
	if cfg.Concurrency > 2 || cfg.ChunkSize > 2*mib || cfg.UseWorker {
		t.Fatalf("expected mini-program clamp, got %+v", cfg)
	}
}

func TestAdviseCapabilityClampForLowMemory(t *testing.T) {
	cfg := Advise(Inputs{
		FileSize:     50 * mib,
		Capabilities: models.EnvironmentCapabilities{MemoryGrade: models.GradeLow},
	})
	if cfg.ChunkSize > 1*mib || cfg.Concurrency > 2 {
		t.Fatalf("expected low-memory clamp, got %+v", cfg)
	}
}

func TestAdviseQualityAdjustmentExcellentRaisesChunkAndConcurrency(t *testing.T) {
	without := Advise(Inputs{FileSize: 50 * mib})
	with := Advise(Inputs{
		FileSize:   50 * mib,
		Prediction: &models.NetworkPrediction{ExpectedGrade: models.GradeExcellent},
	})
	if with.ChunkSize <= without.ChunkSize {
		t.Fatalf("expected excellent quality to raise chunk size: without=%v with=%v", without.ChunkSize, with.ChunkSize)
	}
	if with.Concurrency <= without.Concurrency {
		t.Fatalf("expected excellent quality to raise concurrency: without=%v with=%v", without.Concurrency, with.Concurrency)
	}
}

func TestAdviseQualityAdjustmentVeryPoorForcesSingleWorker(t *testing.T) {
	cfg := Advise(Inputs{
		FileSize:   50 * mib,
		Prediction: &models.NetworkPrediction{ExpectedGrade: models.GradeVeryPoor},
	})
	if cfg.Concurrency != 1 {
		t.Fatalf("expected concurrency 1 under very poor quality, got %d", cfg.Concurrency)
	}
}

func TestAdviseFinalClampRespectsAbsoluteBounds(t *testing.T) {
	cfg := Advise(Inputs{
		FileSize:   500 * mib,
		Prediction: &models.NetworkPrediction{ExpectedGrade: models.GradeExcellent},
	})
	if cfg.ChunkSize < 256*kib || cfg.ChunkSize > 10*mib {
		t.Fatalf("chunk size out of absolute bounds: %v", cfg.ChunkSize)
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > 6 {
		t.Fatalf("concurrency out of absolute bounds: %v", cfg.Concurrency)
	}
	if cfg.TimeoutMs < 10_000 || cfg.TimeoutMs > 120_000 {
		t.Fatalf("timeout out of absolute bounds: %v", cfg.TimeoutMs)
	}
	if cfg.RetryBudget < 0 || cfg.RetryBudget > 5 {
		t.Fatalf("retry budget out of absolute bounds: %v", cfg.RetryBudget)
	}
}
