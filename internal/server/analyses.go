package server

import (
	"net/http"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/blob"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/rollout"
)

// analyzeRolloutRequest analyzes one trace, supplied inline or by the
// id of an archived rollout.
type analyzeRolloutRequest struct {
	EnvSpec   *envspec.EnvSpec `json:"envSpec" validate:"required"`
	Rollout   *rollout.Rollout `json:"rollout,omitempty"`
	RolloutID string           `json:"rolloutId,omitempty"`
}

type analyzeBatchRequest struct {
	EnvSpec    *envspec.EnvSpec   `json:"envSpec" validate:"required"`
	Rollouts   []*rollout.Rollout `json:"rollouts,omitempty" validate:"omitempty,max=1024"`
	RolloutIDs []string           `json:"rolloutIds,omitempty" validate:"omitempty,max=1024"`
}

func (s *Server) handleAnalyzeRollout(w http.ResponseWriter, r *http.Request) {
	var req analyzeRolloutRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	trace := req.Rollout
	if trace == nil {
		if req.RolloutID == "" {
			writeError(w, apperr.Validation("rollout", "rollout or rolloutId required"))
			return
		}
		loaded, err := s.loadArchived(r, req.EnvSpec, req.RolloutID)
		if err != nil {
			writeError(w, err)
			return
		}
		trace = loaded
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reward":     s.deps.Analysis.Rollout(req.EnvSpec, trace),
		"trajectory": s.deps.Analysis.Trajectory(trace),
	})
}

func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req analyzeBatchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	traces := req.Rollouts
	for _, id := range req.RolloutIDs {
		loaded, err := s.loadArchived(r, req.EnvSpec, id)
		if err != nil {
			writeError(w, err)
			return
		}
		traces = append(traces, loaded)
	}
	if len(traces) == 0 {
		writeError(w, apperr.Validation("rollouts", "rollouts or rolloutIds required"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reward":       s.deps.Analysis.Batch(req.EnvSpec, traces),
		"trajectories": s.deps.Analysis.Trajectories(traces),
		"terminations": s.deps.Analysis.Terminations(traces),
	})
}

func (s *Server) loadArchived(r *http.Request, spec *envspec.EnvSpec, rolloutID string) (*rollout.Rollout, error) {
	if s.deps.Blobs == nil {
		return nil, apperr.NotFound("rollout " + rolloutID)
	}
	envID := spec.ID
	if envID == "" {
		hash, err := envspec.SpecHash(envspec.Sanitize(spec))
		if err != nil {
			return nil, err
		}
		envID = hash
	}
	return blob.LoadRollout(r.Context(), s.deps.Blobs, envID, rolloutID)
}
