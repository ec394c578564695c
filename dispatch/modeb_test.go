package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/improdead/esprit/credential"
	"github.com/improdead/esprit/pricing"
	"github.com/improdead/esprit/provider"
	"github.com/improdead/esprit/tracer"
)

// TestDispatchModeBFallback exercises the model-fallback scenario: the
// Cloud-Code envelope endpoint rejects every request with a
// non-retryable status, driving the dispatcher through its fallback
// chain (Mode A never falls back; Mode B does) before surfacing a
// terminal error once the chain is exhausted.
func TestDispatchModeBFallback(t *testing.T) {
	var streamCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "loadCodeAssist") {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"cloudaicompanionProject":"proj-1"}`))
			return
		}
		atomic.AddInt32(&streamCalls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer srv.Close()

	home := t.TempDir()
	store := credential.NewStore(home)
	if err := store.Set("google", credential.Credential{Type: credential.TypeAPI, AccessToken: "tok"}); err != nil {
		t.Fatalf("seeding credential: %v", err)
	}

	registry := provider.NewRegistry()
	adapter := provider.NewCloudCodeAdapter(http.DefaultClient, srv.URL, "", "test-client")
	registry.Register(adapter)

	cat := pricing.NewCatalog()
	pool := provider.NewConnectionPool()
	tr := tracer.New("run-1", "test")
	logger := zerolog.New(os.Stderr)
	d := New(registry, pool, cat, store, nil, tr, 3, nil, logger)

	cfg := ModelConfig{Model: "google/gemini-bad", FallbackChain: []string{"google/gemini-good"}}
	ch := d.Dispatch(context.Background(), []Message{{Role: "user", Content: "hi"}}, cfg)

	var last LLMResponse
	for r := range ch {
		last = r
	}

	if last.Err == nil {
		t.Fatal("expected a terminal error once the fallback chain is exhausted")
	}
	var dispatchErr *Error
	if !errors.As(last.Err, &dispatchErr) {
		t.Fatalf("expected *Error, got %T: %v", last.Err, last.Err)
	}
	if dispatchErr.Kind != KindRequestFailed {
		t.Fatalf("expected kind %q, got %q", KindRequestFailed, dispatchErr.Kind)
	}

	if got := d.stickyModels[cfg.Model]; got != "google/gemini-good" {
		t.Fatalf("expected sticky fallback model %q, got %q", "google/gemini-good", got)
	}
	if got := atomic.LoadInt32(&streamCalls); got != 2 {
		t.Fatalf("expected exactly 2 stream attempts (one per model in the chain), got %d", got)
	}
}

// TestDispatchModeBSucceedsAfterDiscovery verifies a Mode B call that
// needs project discovery first (no project_id on the credential)
// still streams cumulative content through to a terminal snapshot.
func TestDispatchModeBSucceedsAfterDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "loadCodeAssist") {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"cloudaicompanionProject":"proj-1"}`))
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, flusher, `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)
		sseWrite(w, flusher, `{"candidates":[{"content":{"parts":[{"text":" there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`)
	}))
	defer srv.Close()

	home := t.TempDir()
	store := credential.NewStore(home)
	if err := store.Set("google", credential.Credential{Type: credential.TypeAPI, AccessToken: "tok"}); err != nil {
		t.Fatalf("seeding credential: %v", err)
	}

	registry := provider.NewRegistry()
	adapter := provider.NewCloudCodeAdapter(http.DefaultClient, srv.URL, "", "test-client")
	registry.Register(adapter)

	cat := pricing.NewCatalog()
	pool := provider.NewConnectionPool()
	tr := tracer.New("run-1", "test")
	logger := zerolog.New(os.Stderr)
	d := New(registry, pool, cat, store, nil, tr, 3, nil, logger)

	ch := d.Dispatch(context.Background(), []Message{{Role: "user", Content: "hi"}}, ModelConfig{Model: "google/gemini-2.5-pro"})

	var last LLMResponse
	for r := range ch {
		last = r
	}
	if last.Err != nil {
		t.Fatalf("expected success, got %v", last.Err)
	}
	if !last.Done {
		t.Fatal("expected terminal snapshot to be Done")
	}
	if last.Content != "hi there" {
		t.Fatalf("expected cumulative content %q, got %q", "hi there", last.Content)
	}
	if last.Usage == nil || last.Usage.InputTokens != 5 || last.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage: %+v", last.Usage)
	}
}
