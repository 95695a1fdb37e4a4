// Package ledger implements the Resume Ledger (spec.md §4.6): a durable,
// per-Fingerprint record of uploaded chunk indices. It is
// session.SessionManager generalized — keyed by Fingerprint instead of a
// generated session id, storing models.ResumeRecord instead of
// models.TransferSession, and routing every persistence call through
// Adapter.KVGet/KVPut/KVDelete/KVKeys instead of direct os calls, per the
// "never import environment APIs directly" rule (spec.md §9).
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/trackshift/upload/internal/adapter"
	"github.com/trackshift/upload/internal/crypto"
	"github.com/trackshift/upload/pkg/models"
)

const (
	keyPrefixResume = "upload:resume:"

	// debounceWindow is the coalescing window for MarkUploaded writes
	// (spec.md §4.6/§9: "≤ 500ms").
	debounceWindow = 500 * time.Millisecond

	// defaultTTL is the ResumeRecord expiry (spec.md §3: "default 7 days").
	defaultTTL = 7 * 24 * time.Hour

	// maxRecords is the point at which GC starts evicting by LRU on
	// UpdatedAt even if records have not individually expired, standing in
	// for the spec's "storage quota is hit" signal (the Adapter interface
	// has no direct quota-remaining probe).
	maxRecords = 1000
)

type entry struct {
	mu     sync.Mutex
	record *models.ResumeRecord
	dirty  bool
	cancel adapter.CancelFunc
}

// Ledger is the Resume Ledger. One Ledger is shared across Coordinators;
// writes to distinct fingerprints never contend with each other.
type Ledger struct {
	a   adapter.Adapter
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Ledger backed by a. If ttl is zero, defaultTTL is used.
func New(a adapter.Adapter, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Ledger{a: a, ttl: ttl, entries: make(map[string]*entry)}
}

func (l *Ledger) entryFor(fingerprint string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fingerprint]
	if !ok {
		e = &entry{}
		l.entries[fingerprint] = e
	}
	return e
}

func resumeKey(fingerprint string) string {
	return keyPrefixResume + fingerprint
}

// Load returns the ResumeRecord for fingerprint if present and not
// expired, consulting the in-memory cache before the Adapter's KV store.
func (l *Ledger) Load(ctx context.Context, fingerprint string) (*models.ResumeRecord, error) {
	e := l.entryFor(fingerprint)
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.loadLocked(ctx, fingerprint, e)
}

// loadLocked must be called with e.mu held.
func (l *Ledger) loadLocked(ctx context.Context, fingerprint string, e *entry) (*models.ResumeRecord, error) {
	if e.record != nil {
		if l.expired(e.record) {
			return nil, nil
		}
		return e.record, nil
	}

	raw, ok, err := l.a.KVGet(ctx, resumeKey(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("ledger: kv get %s: %w", fingerprint, err)
	}
	if !ok {
		return nil, nil
	}

	plain, err := crypto.DecompressChunk(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: decompress record %s: %w", fingerprint, err)
	}
	var rec models.ResumeRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("ledger: decode record %s: %w", fingerprint, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("ledger: invalid stored record %s: %w", fingerprint, err)
	}

	e.record = &rec
	if l.expired(&rec) {
		return nil, nil
	}
	return &rec, nil
}

func (l *Ledger) expired(rec *models.ResumeRecord) bool {
	return time.Since(rec.UpdatedAt) > l.ttl
}

// CreateOrGet returns the existing record for fingerprint if its layout
// matches size/chunkSize/chunkCount, otherwise evicts it and creates a
// fresh one (spec.md §4.6).
func (l *Ledger) CreateOrGet(ctx context.Context, fingerprint string, size, chunkSize int64, chunkCount int) (*models.ResumeRecord, error) {
	e := l.entryFor(fingerprint)
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := l.loadLocked(ctx, fingerprint, e)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.SameLayout(size, chunkSize, chunkCount) {
		return existing, nil
	}

	now := time.Now()
	rec := &models.ResumeRecord{
		Fingerprint:     fingerprint,
		Size:            size,
		ChunkSize:       chunkSize,
		ChunkCount:      chunkCount,
		UploadedIndices: make(map[int]bool),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.record = rec
	e.dirty = true
	if err := l.flushLocked(ctx, fingerprint, e); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkUploaded atomically adds index to fingerprint's uploaded set and
// schedules a coalesced write: repeated calls within debounceWindow share
// one flush.
func (l *Ledger) MarkUploaded(ctx context.Context, fingerprint string, index int) error {
	e := l.entryFor(fingerprint)
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := l.loadLocked(ctx, fingerprint, e)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("ledger: markUploaded on unknown fingerprint %s", fingerprint)
	}
	rec.UploadedIndices[index] = true
	rec.UpdatedAt = time.Now()
	e.dirty = true

	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = l.a.ScheduleAfter(debounceWindow, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.dirty {
			return
		}
		if err := l.flushLocked(context.Background(), fingerprint, e); err != nil {
			log.Printf("ledger: debounced flush for %s failed: %v", fingerprint, err)
		}
	})
	return nil
}

// SetSessionID records a server-issued sessionId on fingerprint's record,
// taking the most recent value on conflict (spec.md §9 Open Question).
func (l *Ledger) SetSessionID(ctx context.Context, fingerprint, sessionID string) error {
	e := l.entryFor(fingerprint)
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := l.loadLocked(ctx, fingerprint, e)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("ledger: setSessionID on unknown fingerprint %s", fingerprint)
	}
	rec.SessionID = sessionID
	rec.UpdatedAt = time.Now()
	e.dirty = true
	return l.flushLocked(ctx, fingerprint, e)
}

// Flush forces any pending debounced write for fingerprint to complete
// immediately. The Coordinator calls this before emitting onSuccess, so
// the final state is never left only in memory (spec.md §9).
func (l *Ledger) Flush(ctx context.Context, fingerprint string) error {
	e := l.entryFor(fingerprint)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if !e.dirty {
		return nil
	}
	return l.flushLocked(ctx, fingerprint, e)
}

// flushLocked must be called with e.mu held and e.record non-nil.
func (l *Ledger) flushLocked(ctx context.Context, fingerprint string, e *entry) error {
	plain, err := json.Marshal(e.record)
	if err != nil {
		return fmt.Errorf("ledger: encode record %s: %w", fingerprint, err)
	}
	compressed, err := crypto.CompressChunk(plain)
	if err != nil {
		return fmt.Errorf("ledger: compress record %s: %w", fingerprint, err)
	}
	if err := l.a.KVPut(ctx, resumeKey(fingerprint), compressed); err != nil {
		if models.KindOf(err) == models.KindQuotaExceeded {
			log.Printf("ledger: kv quota exceeded persisting %s; continuing in-memory only", fingerprint)
			e.dirty = false
			return nil
		}
		return fmt.Errorf("ledger: kv put %s: %w", fingerprint, err)
	}
	e.dirty = false
	return nil
}

// Clear removes fingerprint's record, called on successful completion or
// explicit cancel (spec.md §4.6).
func (l *Ledger) Clear(ctx context.Context, fingerprint string) error {
	e := l.entryFor(fingerprint)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.record = nil
	e.dirty = false

	if err := l.a.KVDelete(ctx, resumeKey(fingerprint)); err != nil {
		return fmt.Errorf("ledger: kv delete %s: %w", fingerprint, err)
	}
	return nil
}

// GC removes expired records and, if the live record count still exceeds
// maxRecords, evicts the least-recently-updated survivors (spec.md §4.6).
// Called at engine start and intended to be called roughly daily.
func (l *Ledger) GC(ctx context.Context) error {
	keys, err := l.a.KVKeys(ctx, keyPrefixResume)
	if err != nil {
		return fmt.Errorf("ledger: kv keys: %w", err)
	}

	type liveRecord struct {
		fingerprint string
		updatedAt   time.Time
	}
	var live []liveRecord

	for _, key := range keys {
		fingerprint := key[len(keyPrefixResume):]
		raw, ok, err := l.a.KVGet(ctx, key)
		if err != nil || !ok {
			continue
		}
		plain, err := crypto.DecompressChunk(raw)
		if err != nil {
			continue
		}
		var rec models.ResumeRecord
		if err := json.Unmarshal(plain, &rec); err != nil {
			continue
		}
		if l.expired(&rec) {
			_ = l.a.KVDelete(ctx, key)
			continue
		}
		live = append(live, liveRecord{fingerprint: fingerprint, updatedAt: rec.UpdatedAt})
	}

	if len(live) <= maxRecords {
		return nil
	}
	// oldest-updated first
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			if live[j].updatedAt.Before(live[i].updatedAt) {
				live[i], live[j] = live[j], live[i]
			}
		}
	}
	excess := len(live) - maxRecords
	for i := 0; i < excess; i++ {
		_ = l.a.KVDelete(ctx, resumeKey(live[i].fingerprint))
	}
	return nil
}
