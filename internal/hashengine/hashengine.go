// Package hashengine computes content-addressed Fingerprints for files,
// streaming the data through an incremental digest instead of loading the
// whole file into memory (spec.md §4.2).
//
// MD5 and SHA-1/256 are computed with the standard library's hash.Hash
// implementations. This is deliberate: the spec requires an "in-core"
// implementation that never depends on a platform crypto capability that
// might omit MD5 support, and for a Go process the stdlib digest already is
// that in-core implementation — there is no ecosystem hashing library in
// the example pack that improves on it for this job.
package hashengine

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/trackshift/upload/internal/adapter"
	"github.com/trackshift/upload/pkg/models"
)

// defaultReadSize is the fixed read size used while streaming a full-file
// digest (spec.md §4.2 default: 2 MiB).
const defaultReadSize = 2 * 1024 * 1024

// defaultSampleSize is the default head/tail sample size for quick mode
// (spec.md §4.2 default: 512 KiB, capped at size/2).
const defaultSampleSize = 512 * 1024

// defaultQuickThreshold is the file size above which quick mode is used
// when the caller does not force a mode (spec.md §4.2 default: 100 MiB).
const defaultQuickThreshold = 100 * 1024 * 1024

// Options configures a single Fingerprint computation.
type Options struct {
	Algorithm       models.HashAlgorithm
	Mode            models.HashMode // if empty, chosen from Size vs defaultQuickThreshold
	SampleSize      int64           // quick mode only; 0 means defaultSampleSize
	IncludeMetadata bool
	ReadSize        int64 // full mode only; 0 means defaultReadSize

	// OnProgress is called with cumulative bytes read, if non-nil.
	OnProgress func(bytesRead int64)
}

func newDigest(alg models.HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case models.AlgorithmMD5:
		return md5.New(), nil
	case models.AlgorithmSHA1:
		return sha1.New(), nil
	case models.AlgorithmSHA256, "":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("hashengine: unknown algorithm %q", alg)
	}
}

// Fingerprint computes the content fingerprint for file, reading through
// adapter.ReadSlice. It never materializes the whole file in memory for
// full mode, and only reads head+tail samples for quick mode.
//
// The result is deterministic: identical inputs (bytes, algorithm, mode,
// sample size, includeMetadata) always produce the same string, across
// runs, platforms and process restarts.
func Fingerprint(ctx context.Context, a adapter.Adapter, file models.FileDescriptor, opts Options) (string, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = models.AlgorithmSHA256
	}
	mode := opts.Mode
	if mode == "" {
		if file.Size > defaultQuickThreshold {
			mode = models.HashModeQuick
		} else {
			mode = models.HashModeFull
		}
	}

	digest, err := newDigest(opts.Algorithm)
	if err != nil {
		return "", err
	}

	var contentDigest string
	switch mode {
	case models.HashModeFull:
		contentDigest, err = hashFull(ctx, a, file, digest, opts)
	case models.HashModeQuick:
		contentDigest, err = hashQuick(ctx, a, file, digest, opts)
	default:
		return "", fmt.Errorf("hashengine: unknown mode %q", mode)
	}
	if err != nil {
		return "", err
	}

	fp := fmt.Sprintf("%s:%s:%d", opts.Algorithm, contentDigest, file.Size)
	if opts.IncludeMetadata {
		fp += fmt.Sprintf(":%s|%d|%d", file.Name, file.Size, file.LastModifiedMillis)
	}
	return fp, nil
}

func hashFull(ctx context.Context, a adapter.Adapter, file models.FileDescriptor, digest hash.Hash, opts Options) (string, error) {
	readSize := opts.ReadSize
	if readSize <= 0 {
		readSize = defaultReadSize
	}

	var offset int64
	for offset < file.Size {
		select {
		case <-ctx.Done():
			return "", models.NewEngineError(models.KindCancelled, "hash cancelled", ctx.Err())
		default:
		}

		length := readSize
		if remaining := file.Size - offset; remaining < length {
			length = remaining
		}
		buf, err := a.ReadSlice(ctx, file.Handle, offset, length)
		if err != nil {
			return "", models.NewEngineError(models.KindValidation, "read slice for hashing", err)
		}
		digest.Write(buf)
		offset += length
		if opts.OnProgress != nil {
			opts.OnProgress(offset)
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func hashQuick(ctx context.Context, a adapter.Adapter, file models.FileDescriptor, digest hash.Hash, opts Options) (string, error) {
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	if max := file.Size / 2; sampleSize > max {
		sampleSize = max
	}
	if sampleSize <= 0 {
		sampleSize = file.Size
	}

	select {
	case <-ctx.Done():
		return "", models.NewEngineError(models.KindCancelled, "hash cancelled", ctx.Err())
	default:
	}

	head, err := a.ReadSlice(ctx, file.Handle, 0, sampleSize)
	if err != nil {
		return "", models.NewEngineError(models.KindValidation, "read head sample for hashing", err)
	}
	digest.Write(head)
	if opts.OnProgress != nil {
		opts.OnProgress(sampleSize)
	}

	tailOffset := file.Size - sampleSize
	if tailOffset >= sampleSize { // don't re-read overlapping bytes for small files
		select {
		case <-ctx.Done():
			return "", models.NewEngineError(models.KindCancelled, "hash cancelled", ctx.Err())
		default:
		}
		tail, err := a.ReadSlice(ctx, file.Handle, tailOffset, sampleSize)
		if err != nil {
			return "", models.NewEngineError(models.KindValidation, "read tail sample for hashing", err)
		}
		digest.Write(tail)
		if opts.OnProgress != nil {
			opts.OnProgress(sampleSize * 2)
		}
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
