// Package storage is the narrow document-database surface the studio
// depends on. Everything the core persists — scenes, assets, templates,
// runs, metric streams — flows through Query and Mutation against
// namespaced paths; the backend behind them (Convex, Mongo, or the
// in-memory fallback) is selected at assembly time and never leaks out.
package storage

import (
	"context"
	"encoding/json"
)

// Namespaced paths the studio calls. Backends route on "namespace/op".
const (
	PathRunsGet    = "runs/get"
	PathRunsList   = "runs/list"
	PathRunsUpdate = "runs/update"

	PathMetricsAppend = "metrics/append"
	PathMetricsList   = "metrics/list"
	PathLogsAppend    = "logs/append"

	PathAssetsGet  = "assets/get"
	PathAssetsList = "assets/list"
	PathAssetsPut  = "assets/put"

	PathScenesGet  = "scenes/get"
	PathScenesList = "scenes/list"

	PathTemplatesGet = "templates/get"
	PathTemplatesPut = "templates/put"

	PathSchedulesGet    = "schedules/get"
	PathSchedulesList   = "schedules/list"
	PathSchedulesPut    = "schedules/put"
	PathSchedulesDelete = "schedules/delete"
)

// Args is the argument document sent with a call.
type Args map[string]any

// Client is the capability every subsystem holds. Implementations must
// be safe for concurrent use; transport failures come back as
// apperr.External and are retryable unless the backend rejected the
// request outright.
type Client interface {
	// Query reads without side effects.
	Query(ctx context.Context, path string, args Args) (json.RawMessage, error)

	// Mutation writes. Append paths are append-only; update paths upsert.
	Mutation(ctx context.Context, path string, args Args) (json.RawMessage, error)

	// Close releases the backend connection.
	Close(ctx context.Context) error
}

// Decode unmarshals a raw result into out, tolerating empty results.
func Decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
