package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dojoworks/dojo/internal/apperr"
)

// fastConvex shortens the retry delay so failure tests stay quick.
func fastConvex(baseURL string) *Convex {
	c := NewConvex(baseURL, nil)
	c.retryDelay = time.Millisecond
	return c
}

func TestConvexQuerySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/query" {
			t.Errorf("expected /api/query, got %s", r.URL.Path)
		}
		var body struct {
			Path   string `json:"path"`
			Format string `json:"format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Path != PathRunsGet {
			t.Errorf("expected path runs/get, got %s", body.Path)
		}
		if body.Format != "json" {
			t.Errorf("expected format json, got %s", body.Format)
		}
		_, _ = w.Write([]byte(`{"status":"success","value":{"runId":"r1"}}`))
	}))
	defer srv.Close()

	c := fastConvex(srv.URL)
	raw, err := c.Query(context.Background(), PathRunsGet, Args{"id": "r1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var doc struct {
		RunID string `json:"runId"`
	}
	if err := Decode(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.RunID != "r1" {
		t.Errorf("expected runId r1, got %s", doc.RunID)
	}
}

func TestConvexRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","value":true}`))
	}))
	defer srv.Close()

	c := fastConvex(srv.URL)
	if _, err := c.Mutation(context.Background(), PathRunsUpdate, Args{"id": "r1"}); err != nil {
		t.Fatalf("mutation after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestConvexClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad args", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := fastConvex(srv.URL)
	_, err := c.Query(context.Background(), PathRunsGet, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.IsRetryable(err) {
		t.Error("4xx must not be retryable")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestConvexFunctionErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","errorMessage":"no such function"}`))
	}))
	defer srv.Close()

	c := fastConvex(srv.URL)
	_, err := c.Query(context.Background(), "bogus/path", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.CodeOf(err) != apperr.CodeExternal {
		t.Errorf("expected external_service_error, got %v", apperr.CodeOf(err))
	}
}

func TestConvexBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastConvex(srv.URL)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = c.Query(ctx, PathRunsGet, nil)
	}
	// Breaker is open now; the call must fail fast without reaching the
	// backend, and stay retryable so callers can come back later.
	_, err := c.Query(ctx, PathRunsGet, nil)
	if err == nil {
		t.Fatal("expected error with open breaker")
	}
	if apperr.CodeOf(err) != apperr.CodeExternal {
		t.Errorf("expected external_service_error, got %v", apperr.CodeOf(err))
	}
}
