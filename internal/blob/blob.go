// Package blob abstracts the object store that holds serialized models
// and persisted rollouts. Keys are slash-separated paths under a single
// bucket or directory; values are opaque bytes with a small string
// metadata map.
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/dojoworks/dojo/internal/apperr"
)

// Store is the blob capability. Implementations are safe for
// concurrent use.
type Store interface {
	// Put writes data under key, replacing any existing value.
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error

	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Size reports the stored value's length in bytes.
	Size(ctx context.Context, key string) (int64, error)
}

// RolloutKey is where a persisted rollout lives.
func RolloutKey(envID, rolloutID string) string {
	return fmt.Sprintf("rollouts/%s/%s.json.gz", envID, rolloutID)
}

// ModelKey is where a run's serialized policy checkpoint lives.
func ModelKey(runID string) string {
	return fmt.Sprintf("models/%s.json.gz", runID)
}

// validateKey rejects keys that could escape the store's root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return apperr.Security(fmt.Sprintf("invalid blob key %q", key))
	}
	return nil
}
