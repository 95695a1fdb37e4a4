package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trackshift/upload/internal/adapter/httpadapter"
	"github.com/trackshift/upload/internal/ledger"
	"github.com/trackshift/upload/pkg/models"
)

func writeFile(t *testing.T, name string, size int64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 233)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestEngineUploadsBatchAndFiresOnComplete(t *testing.T) {
	ts := newOKServer(t)
	a, err := httpadapter.New(httpadapter.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("httpadapter.New: %v", err)
	}

	var successCount int32
	completeCh := make(chan struct{ successful, failed int })
	e := New(a, Config{Target: ts.URL + "/upload"}, Callbacks{
		OnSuccess: func(response map[string]any, file models.FileDescriptor) {
			atomic.AddInt32(&successCount, 1)
		},
		OnComplete: func(successful, failed []models.FileDescriptor) {
			completeCh <- struct{ successful, failed int }{len(successful), len(failed)}
		},
	})
	defer e.Close()

	path1 := writeFile(t, "a.bin", 10_000)
	path2 := writeFile(t, "b.bin", 20_000)
	f1, err := a.OpenFile(path1)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f2, err := a.OpenFile(path2)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer a.Close(f1)
	defer a.Close(f2)

	ids := e.AddFiles([]models.FileDescriptor{f1, f2})
	if len(ids) != 2 {
		t.Fatalf("expected 2 assigned ids, got %d", len(ids))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.Start(ctx)

	select {
	case result := <-completeCh:
		if result.successful != 2 {
			t.Fatalf("expected 2 successful files, got %d (failed=%d)", result.successful, result.failed)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("onComplete never fired")
	}

	if atomic.LoadInt32(&successCount) != 2 {
		t.Fatalf("expected onSuccess for both files, got %d", successCount)
	}

	for _, id := range ids {
		status, ok := e.Status(id)
		if !ok {
			t.Fatalf("expected status for %s", id)
		}
		if status != StatusSucceeded {
			t.Fatalf("expected %s to have succeeded, got %v", id, status)
		}
	}
}

func TestEngineRunsLedgerGCAtStart(t *testing.T) {
	a, err := httpadapter.New(httpadapter.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("httpadapter.New: %v", err)
	}

	ctx := context.Background()
	l := ledger.New(a, time.Millisecond)
	if _, err := l.CreateOrGet(ctx, "stale", 100, 50, 2); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	e := New(a, Config{Target: "http://127.0.0.1:0", LedgerTTL: time.Millisecond, GCInterval: time.Hour}, Callbacks{})
	defer e.Close()

	// "upload:resume:" is the Resume Ledger's internal key prefix.
	if _, ok, err := a.KVGet(ctx, "upload:resume:stale"); err != nil {
		t.Fatalf("KVGet: %v", err)
	} else if ok {
		t.Fatalf("expected Engine.New to GC the expired ledger record at start")
	}
}

func TestEngineCancelMarksFileCancelled(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	defer close(block)

	a, err := httpadapter.New(httpadapter.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("httpadapter.New: %v", err)
	}

	var mu sync.Mutex
	var completeResult struct{ successful, failed int }
	done := make(chan struct{})
	e := New(a, Config{Target: ts.URL + "/upload"}, Callbacks{
		OnComplete: func(successful, failed []models.FileDescriptor) {
			mu.Lock()
			completeResult.successful = len(successful)
			completeResult.failed = len(failed)
			mu.Unlock()
			close(done)
		},
	})
	defer e.Close()

	path := writeFile(t, "big.bin", 200_000)
	f, err := a.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer a.Close(f)

	ids := e.AddFiles([]models.FileDescriptor{f})
	ctx := context.Background()
	e.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	e.Cancel(ids[0])

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("onComplete never fired after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if completeResult.failed != 1 {
		t.Fatalf("expected the cancelled file to count as failed/incomplete, got successful=%d failed=%d", completeResult.successful, completeResult.failed)
	}
}
