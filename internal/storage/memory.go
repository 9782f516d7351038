package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dojoworks/dojo/internal/apperr"
)

// Memory is the in-process fallback backend: the studio stays usable
// with no document database configured, the same way legato-style
// control planes fall back to in-memory stores when their data dir is
// unavailable. Also the test double for everything above it.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]map[string]json.RawMessage // namespace -> id -> doc
	streams map[string][]json.RawMessage          // namespace/runId -> appended records
}

// NewMemory builds an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]map[string]json.RawMessage),
		streams: make(map[string][]json.RawMessage),
	}
}

// Query implements Client.
func (m *Memory) Query(_ context.Context, path string, args Args) (json.RawMessage, error) {
	ns, op, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch op {
	case "get":
		id, _ := args["id"].(string)
		doc, ok := m.docs[ns][id]
		if !ok {
			return nil, apperr.NotFound(fmt.Sprintf("%s %q", strings.TrimSuffix(ns, "s"), id))
		}
		return clone(doc), nil
	case "list":
		if ns == "metrics" || ns == "logs" {
			runID, _ := args["runId"].(string)
			return marshalList(m.streams[ns+"/"+runID])
		}
		ids := make([]string, 0, len(m.docs[ns]))
		for id := range m.docs[ns] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			out = append(out, m.docs[ns][id])
		}
		return marshalList(out)
	default:
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("unknown query path %q", path))
	}
}

// Mutation implements Client.
func (m *Memory) Mutation(_ context.Context, path string, args Args) (json.RawMessage, error) {
	ns, op, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op {
	case "put", "update":
		id, _ := args["id"].(string)
		if id == "" {
			return nil, apperr.ExternalFatal("storage", fmt.Errorf("%s: id required", path))
		}
		doc, err := json.Marshal(args)
		if err != nil {
			return nil, apperr.ExternalFatal("storage", err)
		}
		if m.docs[ns] == nil {
			m.docs[ns] = make(map[string]json.RawMessage)
		}
		m.docs[ns][id] = doc
		return clone(doc), nil
	case "append":
		runID, _ := args["runId"].(string)
		rec, err := json.Marshal(args)
		if err != nil {
			return nil, apperr.ExternalFatal("storage", err)
		}
		key := ns + "/" + runID
		m.streams[key] = append(m.streams[key], rec)
		return json.RawMessage(`{"ok":true}`), nil
	case "delete":
		id, _ := args["id"].(string)
		delete(m.docs[ns], id)
		return json.RawMessage(`{"ok":true}`), nil
	default:
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("unknown mutation path %q", path))
	}
}

// Close implements Client.
func (m *Memory) Close(context.Context) error { return nil }

// Seed inserts a document directly, for tests and local bootstrap.
func (m *Memory) Seed(ns, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[ns] == nil {
		m.docs[ns] = make(map[string]json.RawMessage)
	}
	m.docs[ns][id] = raw
	return nil
}

// StreamLen reports how many records were appended for one runId.
func (m *Memory) StreamLen(ns, runID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[ns+"/"+runID])
}

// Stream returns the appended records for one runId, in arrival order.
func (m *Memory) Stream(ns, runID string) []json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.streams[ns+"/"+runID]
	out := make([]json.RawMessage, len(recs))
	copy(out, recs)
	return out
}

func splitPath(path string) (ns, op string, err error) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperr.ExternalFatal("storage", fmt.Errorf("malformed path %q", path))
	}
	return parts[0], parts[1], nil
}

func marshalList(recs []json.RawMessage) (json.RawMessage, error) {
	if recs == nil {
		recs = []json.RawMessage{}
	}
	out, err := json.Marshal(recs)
	if err != nil {
		return nil, apperr.ExternalFatal("storage", err)
	}
	return out, nil
}

func clone(doc json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out
}
