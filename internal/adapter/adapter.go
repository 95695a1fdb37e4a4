// Package adapter defines the narrow Host Adapter boundary (spec.md §4.1)
// that every other engine component is written against. Concrete host
// bindings (browser, WebView, mini-program, Node-like CLI host) each
// implement Adapter; the rest of the engine never imports a concrete
// adapter package directly.
package adapter

import (
	"context"
	"time"

	"github.com/trackshift/upload/pkg/models"
)

// Request is a single outbound HTTP-shaped request issued by the engine.
type Request struct {
	Method  string
	URL     string
	Header  map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the result of a Request.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}

// CancelFunc stops a previously scheduled timer. Calling it more than once,
// or after the timer already fired, is a no-op.
type CancelFunc func()

// Adapter is the host binding every other component depends on. A
// production binding backs it with real file handles, a real HTTP client
// and a real persistence layer; a test double can back it with in-memory
// buffers and maps.
type Adapter interface {
	// ReadSlice reads length bytes starting at offset from the file
	// identified by handle (the opaque value carried in
	// models.FileDescriptor.Handle). It must be safe to call concurrently
	// from multiple goroutines with different offsets on the same handle.
	ReadSlice(ctx context.Context, handle any, offset, length int64) ([]byte, error)

	// SendRequest performs req and returns the response, or an error
	// classified by the retry controller.
	SendRequest(ctx context.Context, req Request) (Response, error)

	// KVGet, KVPut, KVDelete and KVKeys back the Resume Ledger's durable
	// store. KVPut overwrites any existing value for key.
	KVGet(ctx context.Context, key string) ([]byte, bool, error)
	KVPut(ctx context.Context, key string, value []byte) error
	KVDelete(ctx context.Context, key string) error
	KVKeys(ctx context.Context, prefix string) ([]string, error)

	// ScheduleAfter runs fn after d elapses and returns a function that
	// cancels the pending call.
	ScheduleAfter(d time.Duration, fn func()) CancelFunc

	// Capabilities describes what this host binding can do, used by the
	// Config Advisor's environment clamp (spec.md §4.5).
	Capabilities() models.EnvironmentCapabilities
}
