package refserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/trackshift/upload/pkg/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	outputDir := t.TempDir()
	svc, err := NewService(t.TempDir(), outputDir)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux, "/upload")
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, outputDir
}

func postChunk(t *testing.T, url, fingerprint string, index, count int, body []byte) wire.ChunkResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(wire.HeaderFingerprint, fingerprint)
	req.Header.Set(wire.HeaderChunkIndex, strconv.Itoa(index))
	req.Header.Set(wire.HeaderChunkCount, strconv.Itoa(count))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST chunk %d: %v", index, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST chunk %d: status %d", index, resp.StatusCode)
	}
	var cr wire.ChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		t.Fatalf("decode chunk response: %v", err)
	}
	return cr
}

func TestChunkUploadThenCompleteAssemblesFileInOrder(t *testing.T) {
	ts, outputDir := newTestServer(t)

	fingerprint := "sha256:deadbeef:6"
	parts := [][]byte{[]byte("foo-"), []byte("bar-"), []byte("baz")}

	var lastSessionID string
	for i, p := range parts {
		resp := postChunk(t, ts.URL+"/upload", fingerprint, i, len(parts), p)
		if !resp.OK {
			t.Fatalf("chunk %d not ok", i)
		}
		if resp.SessionID == "" {
			t.Fatalf("expected a sessionId to be assigned")
		}
		lastSessionID = resp.SessionID
	}

	body, _ := json.Marshal(wire.CompleteRequest{
		Fingerprint: fingerprint,
		Filename:    "out.txt",
		Size:        int64(len("foo-bar-baz")),
		ChunkCount:  len(parts),
		SessionID:   lastSessionID,
	})
	resp, err := http.Post(ts.URL+"/upload/complete", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d", resp.StatusCode)
	}

	data, err := os.ReadFile(filepath.Join(outputDir, "out.txt"))
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if string(data) != "foo-bar-baz" {
		t.Fatalf("expected assembled content %q, got %q", "foo-bar-baz", data)
	}
}

func TestCompleteBeforeAllChunksReceivedIsRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	fingerprint := "sha256:abc:10"
	postChunk(t, ts.URL+"/upload", fingerprint, 0, 2, []byte("only-one"))

	body, _ := json.Marshal(wire.CompleteRequest{Fingerprint: fingerprint, Filename: "x.bin", ChunkCount: 2})
	resp, err := http.Post(ts.URL+"/upload/complete", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when chunks are missing, got %d", resp.StatusCode)
	}
}

func TestResumeCheckReportsUploadedIndices(t *testing.T) {
	ts, _ := newTestServer(t)
	fingerprint := "sha256:ghi:3"
	postChunk(t, ts.URL+"/upload", fingerprint, 0, 3, []byte("a"))
	postChunk(t, ts.URL+"/upload", fingerprint, 2, 3, []byte("c"))

	resp, err := http.Get(ts.URL + "/upload?fingerprint=" + fingerprint)
	if err != nil {
		t.Fatalf("GET resume check: %v", err)
	}
	defer resp.Body.Close()
	var rc wire.ResumeCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
		t.Fatalf("decode resume check: %v", err)
	}
	if len(rc.Uploaded) != 2 || rc.Uploaded[0] != 0 || rc.Uploaded[1] != 2 {
		t.Fatalf("expected uploaded indices [0 2], got %v", rc.Uploaded)
	}
}

func TestResumeCheckUnknownFingerprintReturnsEmpty(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/upload?fingerprint=never-seen")
	if err != nil {
		t.Fatalf("GET resume check: %v", err)
	}
	defer resp.Body.Close()
	var rc wire.ResumeCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
		t.Fatalf("decode resume check: %v", err)
	}
	if len(rc.Uploaded) != 0 {
		t.Fatalf("expected no uploaded indices for unknown fingerprint, got %v", rc.Uploaded)
	}
}
