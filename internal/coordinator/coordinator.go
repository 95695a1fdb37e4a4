// Package coordinator implements the Upload Coordinator (spec.md §4.9):
// the per-file lifecycle driver tying the Host Adapter, Hash Engine,
// Resume Ledger, Config Advisor, Chunk Planner, Task Scheduler and Retry
// Controller together. It is new orchestration code — no single teacher
// file matches its breadth — but every piece it calls is an adapted
// teacher idiom: uuid.NewString() mints the Coordinator's internal id
// exactly as session.SessionManager.CreateSession does, and progress
// throttling gates on a ticker-like elapsed check the same way
// schollz/progressbar's OptionThrottle does in cmd/sender/main.go.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trackshift/upload/internal/adapter"
	"github.com/trackshift/upload/internal/chunkplanner"
	"github.com/trackshift/upload/internal/configadvisor"
	"github.com/trackshift/upload/internal/hashengine"
	"github.com/trackshift/upload/internal/ledger"
	"github.com/trackshift/upload/internal/netobserver"
	"github.com/trackshift/upload/internal/retry"
	"github.com/trackshift/upload/internal/scheduler"
	"github.com/trackshift/upload/pkg/events"
	"github.com/trackshift/upload/pkg/models"
	"github.com/trackshift/upload/pkg/wire"
)

// progressThrottle is the minimum interval between onProgress callbacks
// (spec.md §4.9: "throttled to at most every 200 ms").
const progressThrottle = 200 * time.Millisecond

// Config configures a single file's upload.
type Config struct {
	Target      string            // POST endpoint for per-chunk requests
	MergeURL    string            // defaults to Target + "/complete"
	UserHeaders map[string]string // merged into every chunk request

	HashAlgorithm models.HashAlgorithm
	HashMode      models.HashMode // zero value lets hashengine pick by size
}

func (c *Config) normalize() {
	if c.MergeURL == "" {
		c.MergeURL = c.Target + "/complete"
	}
}

// Callbacks are the caller-visible hooks of spec.md §6.4.
type Callbacks struct {
	OnProgress func(fraction float64, file models.FileDescriptor)
	OnSuccess  func(response map[string]any, file models.FileDescriptor)
	OnError    func(err error, file models.FileDescriptor)
}

// Coordinator drives one file's upload from fingerprinting through merge.
type Coordinator struct {
	id    string
	a     adapter.Adapter
	obs   *netobserver.Observer
	ledg  *ledger.Ledger
	file  models.FileDescriptor
	cfg   Config
	cb    Callbacks
	caps  models.EnvironmentCapabilities

	fingerprint string
	plan        *models.ChunkPlan
	uploadCfg   models.UploadConfig
	scheduler   *scheduler.Scheduler
	retryCtl    *retry.Controller

	mu             sync.Mutex
	sessionID      string
	uploadedBytes  int64
	remaining      int
	lastProgressAt time.Time
	attempts       map[int]int

	qualityCh <-chan any

	done      chan error
	stopped   chan struct{}
	finishOne sync.Once
}

// New builds a Coordinator for file. Call Run to drive the upload.
func New(a adapter.Adapter, obs *netobserver.Observer, ledg *ledger.Ledger, file models.FileDescriptor, cfg Config, cb Callbacks) *Coordinator {
	cfg.normalize()
	return &Coordinator{
		id:       uuid.NewString(),
		a:        a,
		obs:      obs,
		ledg:     ledg,
		file:     file,
		cfg:      cfg,
		cb:       cb,
		caps:     a.Capabilities(),
		attempts: make(map[int]int),
		done:     make(chan error, 1),
		stopped:  make(chan struct{}),
	}
}

// Run drives the file's entire lifecycle and blocks until it reaches a
// terminal state (success, fatal error, or cancellation).
func (c *Coordinator) Run(ctx context.Context) error {
	fp, err := hashengine.Fingerprint(ctx, c.a, c.file, hashengine.Options{
		Algorithm: c.cfg.HashAlgorithm,
		Mode:      c.cfg.HashMode,
	})
	if err != nil {
		c.reportError(err)
		return err
	}
	c.fingerprint = fp

	existing, err := c.ledg.Load(ctx, fp)
	if err != nil {
		c.reportError(err)
		return err
	}

	prediction := c.obs.Predict(60_000)
	c.uploadCfg = configadvisor.Advise(configadvisor.Inputs{
		Capabilities: c.caps,
		FileSize:     c.file.Size,
		Prediction:   &prediction,
	})

	targetChunkSize := c.uploadCfg.ChunkSize
	if existing != nil {
		targetChunkSize = existing.ChunkSize
	}
	plan, err := chunkplanner.Plan(c.file.Size, chunkplanner.Hints{TargetChunkSize: targetChunkSize})
	if err != nil {
		c.reportError(err)
		return err
	}
	c.plan = plan

	chunkSize := targetChunkSize
	if len(plan.Chunks) > 0 {
		chunkSize = plan.Chunks[0].Length
	}
	rec, err := c.ledg.CreateOrGet(ctx, fp, c.file.Size, chunkSize, plan.Count())
	if err != nil {
		c.reportError(err)
		return err
	}
	if rec.SessionID != "" {
		c.sessionID = rec.SessionID
	}

	c.retryCtl = retry.New(c.uploadCfg.RetryBudget, c.uploadCfg.RetryBaseDelay)
	c.scheduler = scheduler.New(ctx, c.uploadCfg.Concurrency, c.executeChunk, c.onChunkDone)
	defer c.scheduler.Stop()

	c.qualityCh = c.obs.Subscribe(events.TopicQualityChange)
	defer c.obs.Unsubscribe(events.TopicQualityChange, c.qualityCh)
	go c.watchQualityChanges(ctx)

	var pending []int
	var uploadedBytes int64
	for _, chunk := range plan.Chunks {
		if rec.UploadedIndices[chunk.Index] {
			uploadedBytes += chunk.Length
			continue
		}
		pending = append(pending, chunk.Index)
	}
	c.mu.Lock()
	c.uploadedBytes = uploadedBytes
	c.remaining = len(pending)
	c.mu.Unlock()

	if len(pending) == 0 {
		go c.mergeAndFinish(ctx)
	} else {
		for _, index := range pending {
			c.scheduler.Enqueue(index)
		}
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		c.Cancel(context.Background())
		return ctx.Err()
	}
}

// watchQualityChanges re-asks the Config Advisor whenever the Observer
// reports a quality transition and hands the new concurrency to the
// Scheduler. Per spec.md §4.9, this only ever affects future dispatch —
// an in-flight or already-planned chunk is never re-sliced.
func (c *Coordinator) watchQualityChanges(ctx context.Context) {
	for {
		select {
		case _, ok := <-c.qualityCh:
			if !ok {
				return
			}
			prediction := c.obs.Predict(60_000)
			newCfg := configadvisor.Advise(configadvisor.Inputs{
				Capabilities: c.caps,
				FileSize:     c.file.Size,
				Prediction:   &prediction,
			})
			c.scheduler.AdjustConcurrency(newCfg.Concurrency)
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		}
	}
}

// waitForOnline re-enqueues index once the Observer reports connectivity.
// It takes its own subscription rather than sharing one across waiters, so
// a single online event wakes every chunk blocked on it (spec.md §4.7/§S4:
// "all chunks blocked on connectivity resume together").
func (c *Coordinator) waitForOnline(index int) {
	ch := c.obs.Subscribe(events.TopicOnline)
	defer c.obs.Unsubscribe(events.TopicOnline, ch)
	select {
	case _, ok := <-ch:
		if ok {
			c.scheduler.EnqueueRetry(index)
		}
	case <-c.stopped:
	}
}

func (c *Coordinator) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Coordinator) setSessionID(id string) {
	c.mu.Lock()
	changed := c.sessionID != id
	c.sessionID = id
	c.mu.Unlock()
	if changed {
		if err := c.ledg.SetSessionID(context.Background(), c.fingerprint, id); err != nil {
			log.Printf("coordinator %s: persist sessionId: %v", c.id, err)
		}
	}
}

// executeChunk is the Scheduler's Executor for this Coordinator.
func (c *Coordinator) executeChunk(ctx context.Context, index int) error {
	chunk := c.plan.Chunks[index]
	data, err := c.a.ReadSlice(ctx, c.file.Handle, chunk.Offset, chunk.Length)
	if err != nil {
		return models.NewEngineError(models.KindValidation, "read chunk", err)
	}

	header := map[string]string{
		wire.HeaderFingerprint: c.fingerprint,
		wire.HeaderChunkIndex:  strconv.Itoa(index),
		wire.HeaderChunkCount:  strconv.Itoa(c.plan.Count()),
		wire.HeaderChunkSize:   strconv.FormatInt(chunk.Length, 10),
		wire.HeaderContentType: wire.ContentTypeOctetStream,
	}
	for k, v := range c.cfg.UserHeaders {
		header[k] = v
	}
	if sid := c.currentSessionID(); sid != "" {
		header[wire.HeaderSessionID] = sid
	}

	resp, err := c.a.SendRequest(ctx, adapter.Request{
		Method:  http.MethodPost,
		URL:     c.cfg.Target,
		Header:  header,
		Body:    data,
		Timeout: time.Duration(c.uploadCfg.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	var chunkResp wire.ChunkResponse
	if len(resp.Body) > 0 {
		_ = json.Unmarshal(resp.Body, &chunkResp)
	}
	if resp.StatusCode/100 != 2 {
		return models.NewEngineError(models.KindHTTPClient, fmt.Sprintf("chunk %d rejected with status %d", index, resp.StatusCode), nil)
	}
	if chunkResp.SessionID != "" {
		c.setSessionID(chunkResp.SessionID)
	}

	if err := c.ledg.MarkUploaded(ctx, c.fingerprint, index); err != nil {
		log.Printf("coordinator %s: markUploaded(%d): %v", c.id, index, err)
	}
	c.addProgress(chunk.Length)
	c.retryCtl.RecordSuccess(c.chunkID(index))
	return nil
}

func (c *Coordinator) chunkID(index int) string {
	return c.fingerprint + ":" + strconv.Itoa(index)
}

// onChunkDone is the Scheduler's OnDone callback.
func (c *Coordinator) onChunkDone(index int, status models.ChunkStatus, err error) {
	switch status {
	case models.ChunkStatusCompleted:
		c.mu.Lock()
		c.remaining--
		remaining := c.remaining
		c.mu.Unlock()
		if remaining == 0 {
			go c.mergeAndFinish(context.Background())
		}
	case models.ChunkStatusFailed:
		c.handleChunkFailure(index, err)
	case models.ChunkStatusCancelled:
		// terminal; Cancel() already drives completion.
	}
}

func (c *Coordinator) handleChunkFailure(index int, err error) {
	c.mu.Lock()
	attempt := c.attempts[index]
	c.attempts[index] = attempt + 1
	c.mu.Unlock()

	decision := c.retryCtl.Classify(c.chunkID(index), attempt, err, retryAfterOf(err))
	switch decision.Verdict {
	case retry.VerdictRetry, retry.VerdictRestartFromCheckpoint:
		c.a.ScheduleAfter(decision.Delay, func() { c.scheduler.EnqueueRetry(index) })
	case retry.VerdictRetryAfterOnline:
		go c.waitForOnline(index)
	case retry.VerdictFatal:
		c.fail(models.NewEngineError(models.KindHTTPClient, fmt.Sprintf("chunk %d failed permanently", index), err))
	case retry.VerdictTerminal:
		// cancellation; nothing further to do.
	}
}

func retryAfterOf(err error) time.Duration {
	var ee *models.EngineError
	if e, ok := err.(*models.EngineError); ok {
		ee = e
	}
	if ee == nil || ee.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(ee.RetryAfter) * time.Second
}

// mergeAndFinish issues the complete/merge request once every chunk has
// been acknowledged (spec.md §4.9 step 8).
func (c *Coordinator) mergeAndFinish(ctx context.Context) {
	body, err := json.Marshal(wire.CompleteRequest{
		Fingerprint: c.fingerprint,
		Filename:    c.file.Name,
		Size:        c.file.Size,
		ChunkCount:  c.plan.Count(),
		SessionID:   c.currentSessionID(),
	})
	if err != nil {
		c.fail(models.NewEngineError(models.KindValidation, "encode complete request", err))
		return
	}

	resp, err := c.a.SendRequest(ctx, adapter.Request{
		Method: http.MethodPost,
		URL:    c.cfg.MergeURL,
		Header: map[string]string{wire.HeaderContentType: "application/json"},
		Body:   body,
	})
	if err != nil || resp.StatusCode/100 != 2 {
		if err == nil {
			err = models.NewEngineError(models.KindMergeError, fmt.Sprintf("merge rejected with status %d", resp.StatusCode), nil)
		}
		c.handleMergeFailure(ctx, err)
		return
	}

	if err := c.ledg.Flush(ctx, c.fingerprint); err != nil {
		log.Printf("coordinator %s: flush before success: %v", c.id, err)
	}
	if err := c.ledg.Clear(ctx, c.fingerprint); err != nil {
		log.Printf("coordinator %s: clear ledger: %v", c.id, err)
	}

	c.emitProgress(1.0)

	var response map[string]any
	_ = json.Unmarshal(resp.Body, &response)
	if c.cb.OnSuccess != nil {
		c.cb.OnSuccess(response, c.file)
	}
	c.finish(nil)
}

func (c *Coordinator) handleMergeFailure(ctx context.Context, err error) {
	const mergeAttemptsID = "merge"
	c.mu.Lock()
	attempt := c.attempts[-1]
	c.attempts[-1] = attempt + 1
	c.mu.Unlock()

	decision := c.retryCtl.Classify(c.fingerprint+":"+mergeAttemptsID, attempt, err, retryAfterOf(err))
	switch decision.Verdict {
	case retry.VerdictRetry, retry.VerdictRestartFromCheckpoint:
		c.a.ScheduleAfter(decision.Delay, func() { c.mergeAndFinish(ctx) })
	default:
		c.fail(models.NewEngineError(models.KindMergeError, "merge failed permanently", err))
	}
}

func (c *Coordinator) addProgress(n int64) {
	c.mu.Lock()
	c.uploadedBytes += n
	fraction := float64(c.uploadedBytes) / float64(c.file.Size)
	shouldEmit := time.Since(c.lastProgressAt) >= progressThrottle
	if shouldEmit {
		c.lastProgressAt = time.Now()
	}
	c.mu.Unlock()

	if shouldEmit {
		c.emitProgress(fraction)
	}
}

func (c *Coordinator) emitProgress(fraction float64) {
	if fraction > 1.0 {
		fraction = 1.0
	}
	if c.cb.OnProgress != nil {
		c.cb.OnProgress(fraction, c.file)
	}
}

func (c *Coordinator) reportError(err error) {
	if models.KindOf(err) == models.KindCancelled {
		return
	}
	if c.cb.OnError != nil {
		c.cb.OnError(err, c.file)
	}
}

func (c *Coordinator) fail(err error) {
	c.reportError(err)
	c.finish(err)
}

func (c *Coordinator) finish(err error) {
	c.finishOne.Do(func() {
		c.done <- err
		close(c.stopped)
	})
}

// Pause suspends dispatch of new chunks. stopInFlight aborts currently
// running requests instead of letting them finish.
func (c *Coordinator) Pause(stopInFlight bool) {
	if c.scheduler != nil {
		c.scheduler.Pause(stopInFlight)
	}
}

// Resume re-admits paused chunks to dispatch.
func (c *Coordinator) Resume() {
	if c.scheduler != nil {
		c.scheduler.Resume()
	}
}

// Cancel aborts the upload. The Resume Ledger record is cleared, matching
// spec.md §4.6 ("clear ... called on successful completion or explicit
// cancel").
func (c *Coordinator) Cancel(ctx context.Context) {
	if c.scheduler != nil {
		c.scheduler.Cancel()
	}
	if c.fingerprint != "" {
		if err := c.ledg.Clear(ctx, c.fingerprint); err != nil {
			log.Printf("coordinator %s: clear ledger on cancel: %v", c.id, err)
		}
	}
	c.finish(models.NewEngineError(models.KindCancelled, "upload cancelled", ctx.Err()))
}

// ID returns the Coordinator's internal identifier, used only for logging
// and diagnostics.
func (c *Coordinator) ID() string {
	return c.id
}
