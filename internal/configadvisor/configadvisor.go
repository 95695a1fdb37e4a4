// Package configadvisor implements the Config Advisor (spec.md §4.5): a
// pure function from environment capabilities, file size and the latest
// network prediction to an UploadConfig. It holds no state of its own,
// grounded on the teacher's ChunkerConfig.clampSize/normalize clamp-chain
// idiom, generalized here to the spec's five ordered rules.
package configadvisor

import (
	"time"

	"github.com/trackshift/upload/pkg/models"
)

const (
	kib = 1024
	mib = 1024 * kib
)

// Priority is an optional caller hint; it is accepted for forward
// compatibility with callers that want to bias the baseline rule, but the
// five rules of spec.md §4.5 do not currently branch on it beyond size.
type Priority string

// Inputs bundles everything the Advisor needs for one invocation.
type Inputs struct {
	Capabilities models.EnvironmentCapabilities
	FileSize     int64
	FileType     string
	Priority     Priority
	Prediction   *models.NetworkPrediction // nil if no Observer snapshot yet
}

// Advise computes an UploadConfig for in, applying the five rules of
// spec.md §4.5 in order; later rules override earlier ones.
func Advise(in Inputs) models.UploadConfig {
	cfg := baseline(in.FileSize)
	applyEnvironmentClamp(&cfg, in.Capabilities)
	applyCapabilityClamp(&cfg, in.Capabilities)
	applyQualityAdjustment(&cfg, in.Prediction)
	finalClamp(&cfg)
	return cfg
}

// baseline applies rule 1: baseline by file size.
func baseline(size int64) models.UploadConfig {
	switch {
	case size < 5*mib:
		return models.UploadConfig{
			ChunkSize:      512 * kib,
			Concurrency:    2,
			TimeoutMs:      30_000,
			RetryBudget:    3,
			RetryBaseDelay: time.Second,
		}
	case size <= 100*mib:
		return models.UploadConfig{
			ChunkSize:      2 * mib,
			Concurrency:    3,
			TimeoutMs:      30_000,
			RetryBudget:    3,
			RetryBaseDelay: time.Second,
		}
	default:
		return models.UploadConfig{
			ChunkSize:      5 * mib,
			Concurrency:    3,
			TimeoutMs:      30_000,
			RetryBudget:    3,
			RetryBaseDelay: time.Second,
			UseWorker:      true,
		}
	}
}

// applyEnvironmentClamp applies rule 2: mini-program variants are clamped
// hard regardless of what the baseline picked.
func applyEnvironmentClamp(cfg *models.UploadConfig, caps models.EnvironmentCapabilities) {
	if !caps.Variant.IsMiniProgram() {
		return
	}
	if cfg.Concurrency > 2 {
		cfg.Concurrency = 2
	}
	if cfg.ChunkSize > 2*mib {
		cfg.ChunkSize = 2 * mib
	}
	cfg.UseWorker = false
}

// applyCapabilityClamp applies rule 3: low memory/processor grades clamp
// further.
func applyCapabilityClamp(cfg *models.UploadConfig, caps models.EnvironmentCapabilities) {
	if caps.MemoryGrade == models.GradeLow {
		if cfg.ChunkSize > 1*mib {
			cfg.ChunkSize = 1 * mib
		}
		if cfg.Concurrency > 2 {
			cfg.Concurrency = 2
		}
	}
	if caps.ProcessorGrade == models.GradeLow && cfg.Concurrency > 2 {
		cfg.Concurrency = 2
	}
}

// applyQualityAdjustment applies rule 4: scale by the latest predicted
// network grade. A nil prediction (no Observer snapshot yet) leaves cfg
// unchanged, equivalent to the "Fair" tier.
func applyQualityAdjustment(cfg *models.UploadConfig, prediction *models.NetworkPrediction) {
	if prediction == nil {
		return
	}
	switch prediction.ExpectedGrade {
	case models.GradeExcellent:
		cfg.ChunkSize = scale(cfg.ChunkSize, 1.5)
		cfg.Concurrency++
		cfg.TimeoutMs = scaleInt(cfg.TimeoutMs, 0.8)
	case models.GradeGood:
		cfg.ChunkSize = scale(cfg.ChunkSize, 1.2)
	case models.GradeFair:
		// unchanged
	case models.GradePoor:
		cfg.ChunkSize = scale(cfg.ChunkSize, 0.7)
		cfg.Concurrency--
		cfg.TimeoutMs = scaleInt(cfg.TimeoutMs, 1.5)
		cfg.RetryBudget++
	case models.GradeVeryPoor, models.GradeUnusable:
		cfg.ChunkSize = scale(cfg.ChunkSize, 0.5)
		cfg.Concurrency = 1
		cfg.TimeoutMs = scaleInt(cfg.TimeoutMs, 2)
		cfg.RetryBudget += 2
		cfg.RetryBaseDelay = time.Duration(float64(cfg.RetryBaseDelay) * 1.5)
	}
}

func scale(v int64, factor float64) int64 {
	return int64(float64(v) * factor)
}

func scaleInt(v int64, factor float64) int64 {
	return int64(float64(v) * factor)
}

// finalClamp applies rule 5: absolute bounds regardless of how the
// earlier rules combined.
func finalClamp(cfg *models.UploadConfig) {
	const (
		minChunk = 256 * kib
		maxChunk = 10 * mib
	)
	if cfg.ChunkSize < minChunk {
		cfg.ChunkSize = minChunk
	}
	if cfg.ChunkSize > maxChunk {
		cfg.ChunkSize = maxChunk
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > 6 {
		cfg.Concurrency = 6
	}
	if cfg.TimeoutMs < 10_000 {
		cfg.TimeoutMs = 10_000
	}
	if cfg.TimeoutMs > 120_000 {
		cfg.TimeoutMs = 120_000
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.RetryBudget > 5 {
		cfg.RetryBudget = 5
	}
}
