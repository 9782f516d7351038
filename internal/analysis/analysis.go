// Package analysis mines rollouts for reward attribution, trajectory
// structure, and termination behavior, and accumulates training
// diagnostics streamed by workers. The Analyze* functions are pure;
// Service wraps them with the shared analysis cache.
package analysis

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/cache"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/rollout"
)

// Service runs analyses through the TTL cache so repeated requests for
// the same rollout batch do not recompute.
type Service struct {
	caches *cache.Store
	log    *zap.Logger
}

// New builds an analysis service. caches may be nil, which disables
// caching but keeps every analysis available.
func New(caches *cache.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{caches: caches, log: log}
}

// Rollout credits one episode's rewards, cached by rollout identity.
func (s *Service) Rollout(spec *envspec.EnvSpec, r *rollout.Rollout) *RewardReport {
	key := s.key("analyze-rollout", r.ID, r.SpecHash)
	if hit, ok := s.lookup(key); ok {
		return hit.(*RewardReport)
	}
	report := AnalyzeRollout(spec, r.Steps)
	s.store(key, report)
	return report
}

// Batch aggregates reward behavior across episodes, cached by the
// batch's rollout identities.
func (s *Service) Batch(spec *envspec.EnvSpec, rollouts []*rollout.Rollout) *BatchReport {
	key := s.key("analyze-batch", lo.ToAnySlice(rolloutIDs(rollouts))...)
	if hit, ok := s.lookup(key); ok {
		return hit.(*BatchReport)
	}
	report := AnalyzeRollouts(spec, rollouts)
	s.store(key, report)
	return report
}

// Trajectory analyzes one episode's movement structure.
func (s *Service) Trajectory(r *rollout.Rollout) *TrajectoryReport {
	key := s.key("analyze-trajectory", r.ID)
	if hit, ok := s.lookup(key); ok {
		return hit.(*TrajectoryReport)
	}
	report := AnalyzeTrajectory(r.Steps)
	s.store(key, report)
	return report
}

// Trajectories compares movement structure across episodes.
func (s *Service) Trajectories(rollouts []*rollout.Rollout) *TrajectoryBatchReport {
	key := s.key("analyze-trajectories", lo.ToAnySlice(rolloutIDs(rollouts))...)
	if hit, ok := s.lookup(key); ok {
		return hit.(*TrajectoryBatchReport)
	}
	report := AnalyzeTrajectories(rollouts)
	s.store(key, report)
	return report
}

// Terminations breaks a batch down by termination reason.
func (s *Service) Terminations(rollouts []*rollout.Rollout) *TerminationReport {
	key := s.key("analyze-terminations", lo.ToAnySlice(rolloutIDs(rollouts))...)
	if hit, ok := s.lookup(key); ok {
		return hit.(*TerminationReport)
	}
	report := AnalyzeTerminations(rollouts)
	s.store(key, report)
	return report
}

// key builds the cache key from the analysis name and its argument
// identities. An empty key disables caching for that call, which is
// how ad-hoc rollouts without IDs are handled.
func (s *Service) key(name string, args ...any) string {
	for _, a := range args {
		if id, ok := a.(string); ok && id == "" {
			return ""
		}
	}
	return cache.Key(name, args...)
}

func (s *Service) lookup(key string) (any, bool) {
	if s.caches == nil || key == "" {
		return nil, false
	}
	return s.caches.Get(cache.NamespaceAnalysis, key)
}

func (s *Service) store(key string, report any) {
	if s.caches == nil || key == "" {
		return
	}
	s.caches.Set(cache.NamespaceAnalysis, key, report)
}

func rolloutIDs(rollouts []*rollout.Rollout) []string {
	ids := make([]string, len(rollouts))
	for i, r := range rollouts {
		ids[i] = r.ID
	}
	return ids
}
