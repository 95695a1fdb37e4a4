// Package engine is the public caller API (spec.md §6.4): addFiles, start,
// pause, resume, cancel over a batch of files, fanning each one out to its
// own Upload Coordinator and aggregating their outcomes into onComplete.
// It is new orchestration code with no direct teacher analog, built from
// the same mutex-guarded-map-plus-WaitGroup idiom the teacher uses for its
// session registry (internal/session.SessionManager).
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trackshift/upload/internal/adapter"
	"github.com/trackshift/upload/internal/coordinator"
	"github.com/trackshift/upload/internal/ledger"
	"github.com/trackshift/upload/internal/netobserver"
	"github.com/trackshift/upload/pkg/events"
	"github.com/trackshift/upload/pkg/models"
)

// Status is the lifecycle state of one file within the Engine's batch.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Config configures an Engine. Target/MergeURL/UserHeaders/HashAlgorithm
// are forwarded verbatim to every file's Coordinator.
type Config struct {
	Target      string
	MergeURL    string
	UserHeaders map[string]string

	HashAlgorithm models.HashAlgorithm
	HashMode      models.HashMode

	SampleInterval time.Duration // Network Observer sampling cadence
	LedgerTTL      time.Duration
	GCInterval     time.Duration // Resume Ledger GC cadence; defaults to 24h

	Logger *log.Logger
}

func (c *Config) normalize() {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 24 * time.Hour
	}
}

// Callbacks are the caller-visible hooks of spec.md §6.4.
type Callbacks struct {
	OnProgress func(fraction float64, file models.FileDescriptor)
	OnSuccess  func(response map[string]any, file models.FileDescriptor)
	OnError    func(err error, file models.FileDescriptor)
	OnComplete func(successful, failed []models.FileDescriptor)
}

type fileEntry struct {
	id     string
	file   models.FileDescriptor
	status Status
	coord  *coordinator.Coordinator
	cancel context.CancelFunc
}

// Engine drives a batch of files through upload, one Coordinator each.
type Engine struct {
	a    adapter.Adapter
	cfg  Config
	cb   Callbacks
	obs  *netobserver.Observer
	ledg *ledger.Ledger

	mu      sync.Mutex
	order   []string
	files   map[string]*fileEntry
	started bool
	wg      sync.WaitGroup

	gcCancel adapter.CancelFunc
}

// New creates an Engine backed by a. The Engine owns a single Network
// Observer and Resume Ledger shared across every file in the batch,
// matching spec.md §9's "process-wide singleton state" for the Observer.
func New(a adapter.Adapter, cfg Config, cb Callbacks) *Engine {
	cfg.normalize()
	bus := events.NewBus()
	obs := netobserver.New(bus, netobserver.Config{SampleInterval: cfg.SampleInterval})
	obs.Start()
	e := &Engine{
		a:     a,
		cfg:   cfg,
		cb:    cb,
		obs:   obs,
		ledg:  ledger.New(a, cfg.LedgerTTL),
		files: make(map[string]*fileEntry),
	}

	if err := e.ledg.GC(context.Background()); err != nil {
		cfg.Logger.Printf("engine: ledger gc at start: %v", err)
	}
	e.scheduleGC()
	return e
}

// scheduleGC arranges for the Resume Ledger's GC to run roughly once a
// day for the lifetime of the Engine (spec.md §4.6: "at engine start and
// daily"), re-scheduling itself after each run.
func (e *Engine) scheduleGC() {
	e.gcCancel = e.a.ScheduleAfter(e.cfg.GCInterval, func() {
		if err := e.ledg.GC(context.Background()); err != nil {
			e.cfg.Logger.Printf("engine: ledger gc: %v", err)
		}
		e.scheduleGC()
	})
}

// AddFiles registers files for upload and returns their assigned ids, in
// the same order. Start dispatches only the files registered before its
// first call; files added afterwards stay pending and are not uploaded.
func (e *Engine) AddFiles(files []models.FileDescriptor) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, len(files))
	for i, f := range files {
		id := uuid.NewString()
		ids[i] = id
		e.order = append(e.order, id)
		e.files[id] = &fileEntry{id: id, file: f, status: StatusPending}
	}
	return ids
}

// Start launches every pending file's Coordinator concurrently and
// returns immediately; onComplete fires once every file reaches a
// terminal state.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	pending := make([]*fileEntry, 0, len(e.order))
	for _, id := range e.order {
		if entry := e.files[id]; entry.status == StatusPending {
			pending = append(pending, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range pending {
		e.wg.Add(1)
		go e.runOne(ctx, entry)
	}

	go func() {
		e.wg.Wait()
		e.fireComplete()
	}()
}

func (e *Engine) runOne(ctx context.Context, entry *fileEntry) {
	defer e.wg.Done()

	fileCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	entry.status = StatusRunning
	entry.cancel = cancel
	e.mu.Unlock()

	coord := coordinator.New(e.a, e.obs, e.ledg, entry.file, coordinator.Config{
		Target:        e.cfg.Target,
		MergeURL:      e.cfg.MergeURL,
		UserHeaders:   e.cfg.UserHeaders,
		HashAlgorithm: e.cfg.HashAlgorithm,
		HashMode:      e.cfg.HashMode,
	}, coordinator.Callbacks{
		OnProgress: e.cb.OnProgress,
		OnSuccess:  e.cb.OnSuccess,
		OnError: func(err error, file models.FileDescriptor) {
			if e.cb.OnError != nil {
				e.cb.OnError(err, file)
			}
		},
	})

	e.mu.Lock()
	entry.coord = coord
	e.mu.Unlock()

	err := coord.Run(fileCtx)

	e.mu.Lock()
	switch {
	case err == nil:
		entry.status = StatusSucceeded
	case models.KindOf(err) == models.KindCancelled:
		entry.status = StatusCancelled
	default:
		entry.status = StatusFailed
	}
	e.mu.Unlock()
}

func (e *Engine) fireComplete() {
	e.mu.Lock()
	var successful, failed []models.FileDescriptor
	for _, id := range e.order {
		entry := e.files[id]
		switch entry.status {
		case StatusSucceeded:
			successful = append(successful, entry.file)
		case StatusFailed, StatusCancelled:
			failed = append(failed, entry.file)
		}
	}
	e.mu.Unlock()

	if e.cb.OnComplete != nil {
		e.cb.OnComplete(successful, failed)
	}
}

// Pause suspends dispatch of new chunks across every active file.
// stopInFlight, when true, aborts requests already in flight instead of
// letting them finish.
func (e *Engine) Pause(stopInFlight bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.files {
		if entry.coord != nil {
			entry.coord.Pause(stopInFlight)
		}
	}
}

// Resume re-admits paused chunks to dispatch across every active file.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.files {
		if entry.coord != nil {
			entry.coord.Resume()
		}
	}
}

// Cancel aborts fileID's upload, or every active upload if fileID is
// empty (spec.md §6.4: "cancel(fileId?)").
func (e *Engine) Cancel(fileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fileID != "" {
		if entry, ok := e.files[fileID]; ok && entry.cancel != nil {
			entry.cancel()
		}
		return
	}
	for _, entry := range e.files {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
}

// Status returns the current status of fileID, and whether it is known.
func (e *Engine) Status(fileID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.files[fileID]
	if !ok {
		return "", false
	}
	return entry.status, true
}

// Wait blocks until every file dispatched by Start reaches a terminal
// state; before Start it returns immediately. For CLI callers that do not
// want to rely solely on OnComplete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops the Engine's Network Observer and daily GC loop. Call once
// the batch (and any follow-on batches sharing this Engine) is done.
func (e *Engine) Close() {
	if e.gcCancel != nil {
		e.gcCancel()
	}
	e.obs.Stop()
}
