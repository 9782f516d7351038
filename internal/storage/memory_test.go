package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dojoworks/dojo/internal/apperr"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Mutation(ctx, PathAssetsPut, Args{"id": "a1", "name": "crate"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	raw, err := m.Query(ctx, PathAssetsGet, Args{"id": "a1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var doc map[string]any
	if err := Decode(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["name"] != "crate" {
		t.Errorf("expected name crate, got %v", doc["name"])
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Query(context.Background(), PathAssetsGet, Args{"id": "nope"})
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestMemoryListSortedByID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		if _, err := m.Mutation(ctx, PathAssetsPut, Args{"id": id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	raw, err := m.Query(ctx, PathAssetsList, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var docs []map[string]any
	if err := Decode(raw, &docs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if docs[i]["id"] != want {
			t.Errorf("doc %d: expected id %s, got %v", i, want, docs[i]["id"])
		}
	}
}

func TestMemoryAppendPreservesOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for step := 0; step < 5; step++ {
		_, err := m.Mutation(ctx, PathMetricsAppend, Args{"runId": "r1", "step": step})
		if err != nil {
			t.Fatalf("append step %d: %v", step, err)
		}
	}

	recs := m.Stream("metrics", "r1")
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, rec := range recs {
		var doc struct {
			Step int `json:"step"`
		}
		if err := json.Unmarshal(rec, &doc); err != nil {
			t.Fatalf("decode record %d: %v", i, err)
		}
		if doc.Step != i {
			t.Errorf("record %d: expected step %d, got %d", i, i, doc.Step)
		}
	}
}

func TestMemoryMalformedPath(t *testing.T) {
	m := NewMemory()
	_, err := m.Query(context.Background(), "assets", nil)
	var e *apperr.E
	if !errors.As(err, &e) || e.Retryable {
		t.Errorf("expected non-retryable error for malformed path, got %v", err)
	}
}
