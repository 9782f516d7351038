package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/rollout"
)

// EncodeRollout serializes a rollout as gzip-compressed UTF-8 JSON, the
// persisted rollout wire format.
func EncodeRollout(r *rollout.Rollout) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(r); err != nil {
		return nil, fmt.Errorf("encode rollout: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress rollout: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRollout is the inverse of EncodeRollout:
// DecodeRollout(EncodeRollout(r)) round-trips exactly.
func DecodeRollout(data []byte) (*rollout.Rollout, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress rollout: %w", err)
	}
	defer gz.Close()
	var r rollout.Rollout
	if err := json.NewDecoder(gz).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode rollout: %w", err)
	}
	return &r, nil
}

// SaveRollout persists a rollout under rollouts/{envId}/{rolloutId},
// tagging the object with the summary metadata queries filter on.
func SaveRollout(ctx context.Context, store Store, envID string, r *rollout.Rollout) error {
	if r == nil || r.ID == "" {
		return apperr.Validation("rollout.id", "rollout id required")
	}
	data, err := EncodeRollout(r)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"envId":         envID,
		"rolloutId":     r.ID,
		"episodeLength": strconv.Itoa(r.EpisodeLength),
		"totalReward":   strconv.FormatFloat(r.TotalReward, 'g', -1, 64),
	}
	return store.Put(ctx, RolloutKey(envID, r.ID), data, meta)
}

// LoadRollout fetches and decodes a persisted rollout.
func LoadRollout(ctx context.Context, store Store, envID, rolloutID string) (*rollout.Rollout, error) {
	data, err := store.Get(ctx, RolloutKey(envID, rolloutID))
	if err != nil {
		return nil, err
	}
	return DecodeRollout(data)
}
