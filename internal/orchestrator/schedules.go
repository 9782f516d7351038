package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/protocol"
	"github.com/dojoworks/dojo/internal/storage"
)

const scheduleTick = 30 * time.Second

// launcher is the slice of the Orchestrator the scheduler drives.
type launcher interface {
	Launch(ctx context.Context, runID string, cfg protocol.RunConfig) (string, error)
	Live(runID string) bool
}

// schedule is the stored document behind one recurring run template.
type schedule struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Schedule  string             `json:"schedule"`
	Config    protocol.RunConfig `json:"config"`
	Suspended bool               `json:"suspended,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	LastRunAt *time.Time         `json:"lastRunAt,omitempty"`
	LastRunID string             `json:"lastRunId,omitempty"`
}

// Scheduler launches stored RunConfig templates on a recurring
// schedule. A template whose previous run is still live is skipped
// until it finishes, so schedules never pile runs on top of each other.
type Scheduler struct {
	store  storage.Client
	launch launcher
	log    *zap.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a recurring run scheduler.
func NewScheduler(store storage.Client, launch launcher, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{store: store, launch: launch, log: log}
}

// Start starts the scheduler loop. Safe to call more than once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(scheduleTick)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runOnce(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts background scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Put validates and stores a schedule, assigning an ID when absent.
func (s *Scheduler) Put(ctx context.Context, spec protocol.ScheduleSpec) (protocol.ScheduleSpec, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return spec, apperr.Validation("name", "name required")
	}
	if err := validateSchedule(spec.Schedule); err != nil {
		return spec, apperr.Validation("schedule", err.Error())
	}

	doc := schedule{
		ID:        spec.ID,
		Name:      spec.Name,
		Schedule:  spec.Schedule,
		Config:    spec.Config,
		Suspended: spec.Suspended,
		CreatedAt: time.Now().UTC(),
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	} else if existing, err := s.get(ctx, doc.ID); err == nil {
		doc.CreatedAt = existing.CreatedAt
		doc.LastRunAt = existing.LastRunAt
		doc.LastRunID = existing.LastRunID
	}

	if err := s.put(ctx, doc); err != nil {
		return spec, err
	}
	spec.ID = doc.ID
	return spec, nil
}

// List returns every stored schedule.
func (s *Scheduler) List(ctx context.Context) ([]protocol.ScheduleSpec, error) {
	docs, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ScheduleSpec, 0, len(docs))
	for _, d := range docs {
		out = append(out, protocol.ScheduleSpec{
			ID:        d.ID,
			Name:      d.Name,
			Schedule:  d.Schedule,
			Config:    d.Config,
			Suspended: d.Suspended,
		})
	}
	return out, nil
}

// Delete removes a schedule. Its live run, if any, keeps running.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	_, err := s.store.Mutation(ctx, storage.PathSchedulesDelete, storage.Args{"id": id})
	return err
}

// TriggerNow launches a schedule immediately, regardless of when it is
// next due. Overlap suppression still applies.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (string, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.dispatch(ctx, doc, time.Now().UTC())
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	docs, err := s.list(ctx)
	if err != nil {
		s.log.Warn("list schedules failed", zap.Error(err))
		return
	}

	for _, doc := range docs {
		if doc.Suspended {
			continue
		}
		due, err := isScheduleDue(doc.Schedule, doc.LastRunAt, doc.CreatedAt, now)
		if err != nil {
			s.log.Warn("invalid schedule",
				zap.String("schedule_id", doc.ID),
				zap.String("schedule", doc.Schedule),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if _, err := s.dispatch(ctx, doc, now); err != nil {
			s.log.Warn("dispatch scheduled run failed",
				zap.String("schedule_id", doc.ID),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, doc schedule, now time.Time) (string, error) {
	if doc.LastRunID != "" && s.launch.Live(doc.LastRunID) {
		s.log.Debug("skipping overlapping run for schedule",
			zap.String("schedule_id", doc.ID),
			zap.String("run_id", doc.LastRunID))
		return "", nil
	}

	runID := fmt.Sprintf("sched-%s-%d", doc.ID, now.UnixNano())
	if _, err := s.launch.Launch(ctx, runID, doc.Config); err != nil {
		return "", err
	}

	doc.LastRunAt = &now
	doc.LastRunID = runID
	if err := s.put(ctx, doc); err != nil {
		s.log.Warn("record schedule run failed", zap.String("schedule_id", doc.ID), zap.Error(err))
	}
	s.log.Info("scheduled run launched",
		zap.String("schedule_id", doc.ID),
		zap.String("run_id", runID))
	return runID, nil
}

func (s *Scheduler) get(ctx context.Context, id string) (schedule, error) {
	raw, err := s.store.Query(ctx, storage.PathSchedulesGet, storage.Args{"id": id})
	if err != nil {
		return schedule{}, err
	}
	var doc schedule
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schedule{}, apperr.Internal(fmt.Errorf("decode schedule %s: %w", id, err))
	}
	return doc, nil
}

func (s *Scheduler) list(ctx context.Context) ([]schedule, error) {
	raw, err := s.store.Query(ctx, storage.PathSchedulesList, storage.Args{})
	if err != nil {
		return nil, err
	}
	var docs []schedule
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, apperr.Internal(fmt.Errorf("decode schedules: %w", err))
	}
	return docs, nil
}

func (s *Scheduler) put(ctx context.Context, doc schedule) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode schedule: %w", err))
	}
	var args storage.Args
	if err := json.Unmarshal(data, &args); err != nil {
		return apperr.Internal(err)
	}
	_, err = s.store.Mutation(ctx, storage.PathSchedulesPut, args)
	return err
}

func validateSchedule(spec string) error {
	_, _, err := parseSchedule(spec)
	return err
}

func parseSchedule(spec string) (time.Duration, cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(spec); err == nil {
		if interval <= 0 {
			return 0, nil, fmt.Errorf("interval must be > 0")
		}
		return interval, nil, nil
	}
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, nil, err
	}
	return 0, parsed, nil
}

// isScheduleDue reports whether a schedule, anchored on its last run
// (or creation when it never ran), is due at now. The schedule string
// is either a Go duration or a standard cron expression.
func isScheduleDue(spec string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	interval, cronSpec, err := parseSchedule(spec)
	if err != nil {
		return false, err
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if cronSpec != nil {
		return !cronSpec.Next(anchor).After(now.UTC()), nil
	}
	return !anchor.Add(interval).After(now.UTC()), nil
}
