// Package chunkplanner turns a file size and a set of advisor hints into an
// ordered ChunkPlan. It is pure arithmetic: the Planner never reads file
// bytes, the Coordinator does that through the Adapter.
package chunkplanner

import (
	"errors"

	"github.com/trackshift/upload/pkg/models"
)

var errInvalidSize = errors.New("chunkplanner: size must be greater than zero")

// Hints are the advisor-provided sizing constraints (spec.md §4.3).
type Hints struct {
	TargetChunkSize int64
	MinChunk        int64
	MaxChunk        int64
}

// normalize fills in the spec.md §4.3 defaults for any zero field.
func (h *Hints) normalize() {
	if h.MinChunk == 0 {
		h.MinChunk = 256 * 1024 // 256 KiB
	}
	if h.MaxChunk == 0 {
		h.MaxChunk = 10 * 1024 * 1024 // 10 MiB
	}
	if h.TargetChunkSize == 0 {
		h.TargetChunkSize = h.MinChunk
	}
	if h.MaxChunk < h.MinChunk {
		h.MaxChunk = h.MinChunk
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Plan builds a ChunkPlan for size bytes using the given hints.
//
// Invariants enforced: indices are 0..N-1 contiguous, the lengths sum to
// size, and every length falls in [MinChunk, MaxChunk] except possibly the
// last, which may be shorter.
func Plan(size int64, hints Hints) (*models.ChunkPlan, error) {
	if size <= 0 {
		return nil, errInvalidSize
	}
	hints.normalize()

	chunkLen := clamp(hints.TargetChunkSize, hints.MinChunk, hints.MaxChunk)

	if size <= hints.MinChunk {
		return &models.ChunkPlan{
			FileSize: size,
			Chunks:   []models.PlannedChunk{{Index: 0, Offset: 0, Length: size}},
		}, nil
	}

	plan := &models.ChunkPlan{FileSize: size}
	var offset int64
	index := 0
	for offset < size {
		remaining := size - offset
		length := chunkLen
		if remaining < length {
			length = remaining
		}
		plan.Chunks = append(plan.Chunks, models.PlannedChunk{
			Index:  index,
			Offset: offset,
			Length: length,
		})
		offset += length
		index++
	}
	return plan, nil
}
