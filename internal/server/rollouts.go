package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/blob"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/policy"
	"github.com/dojoworks/dojo/internal/protocol"
	"github.com/dojoworks/dojo/internal/rollout"
)

// policySpec maps the request's policy fields onto a policy.Spec.
func policySpec(req protocol.RolloutRequest) policy.Spec {
	return policy.Spec{
		Kind:     policy.Kind(req.Policy),
		ModelURL: req.ModelURL,
		RunID:    req.RunID,
		Seed:     req.Seed,
	}
}

// prepare compiles the request's environment and builds its policy.
func (s *Server) prepare(r *http.Request, req protocol.RolloutRequest) (*envspec.Compiled, policy.Policy, error) {
	ps := policySpec(req)
	if err := ps.Validate(); err != nil {
		return nil, nil, err
	}
	compiled, err := s.deps.Engine.Prepare(req.EnvSpec)
	if err != nil {
		return nil, nil, err
	}
	pol, err := policy.New(r.Context(), ps, s.deps.Loader)
	if err != nil {
		return nil, nil, err
	}
	return compiled, pol, nil
}

// handleRollout runs one episode synchronously and returns the full trace.
func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	var req protocol.RolloutRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	compiled, pol, err := s.prepare(r, req)
	if err != nil {
		writeError(w, err)
		return
	}

	result := s.deps.Engine.Run(r.Context(), compiled, pol, rollout.Options{
		MaxSteps: req.MaxSteps,
		Seed:     req.Seed,
	})
	s.archiveRollout(r, req.EnvSpec, result)
	writeJSON(w, http.StatusOK, result)
}

// handleBatch runs count episodes over the worker pool, or the
// vectorized driver when the request asks for it.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	s.runBatch(w, r, false)
}

// handleVectorized is handleBatch with the vectorized driver forced on.
func (s *Server) handleVectorized(w http.ResponseWriter, r *http.Request) {
	s.runBatch(w, r, true)
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, forceVectorized bool) {
	var req protocol.BatchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if forceVectorized {
		req.Vectorized = true
	}
	compiled, pol, err := s.prepare(r, req.RolloutRequest)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := rollout.Options{MaxSteps: req.MaxSteps, Seed: req.Seed}
	var results []*rollout.Rollout
	if req.Vectorized {
		results = s.deps.Engine.RunVectorized(r.Context(), compiled, pol, opts, req.Count)
	} else {
		results = s.deps.Engine.RunParallel(r.Context(), compiled, pol, opts, req.Count, req.Workers)
	}
	for _, result := range results {
		s.archiveRollout(r, req.EnvSpec, result)
	}
	writeJSON(w, http.StatusOK, results)
}

// archiveRollout persists a finished trace to the blob store.
// Archival is best-effort: a blob outage never fails the request.
func (s *Server) archiveRollout(r *http.Request, spec *envspec.EnvSpec, result *rollout.Rollout) {
	if s.deps.Blobs == nil || result == nil || result.Error != "" {
		return
	}
	envID := spec.ID
	if envID == "" {
		envID = result.SpecHash
	}
	if err := blob.SaveRollout(r.Context(), s.deps.Blobs, envID, result); err != nil {
		s.log.Warn("archive rollout failed",
			zap.String("rollout_id", result.ID),
			zap.Error(err))
	}
}
