// Package orchestrator owns the lifecycle of training runs: compiling a
// RunConfig into a workload manifest, submitting it to the compute
// backend, polling the backend until the run reaches a terminal state,
// and keeping the document store in sync along the way.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/compute"
	"github.com/dojoworks/dojo/internal/ingest"
	"github.com/dojoworks/dojo/internal/manifest"
	"github.com/dojoworks/dojo/internal/metrics"
	"github.com/dojoworks/dojo/internal/protocol"
	"github.com/dojoworks/dojo/internal/storage"
)

// Per-call deadlines. Launch covers manifest rendering, an optional
// backend setup attempt, and submission; the rest bound one backend
// round trip plus retries.
const (
	launchDeadline = 300 * time.Second
	statusDeadline = 30 * time.Second
	logsDeadline   = 60 * time.Second
	cancelDeadline = 30 * time.Second

	defaultPollInterval  = 15 * time.Second
	defaultMaxWorkers    = 8
	defaultAutostopGrace = 5 * time.Minute

	backendRetryAttempts = 3
	backendRetryDelay    = time.Second

	logBatchSize = 100
)

// Options tunes an Orchestrator.
type Options struct {
	// CallbackURL is where workers push metrics, logs, and status.
	CallbackURL string
	// StorageURL is handed to workers so they can read scenes directly.
	StorageURL string
	// PollInterval is the backend poll cadence per live run.
	PollInterval time.Duration
	// MaxWorkers caps concurrently live runs.
	MaxWorkers int64
	// AutostopGrace pads the autostop deadline before the local guard
	// cancels a workload the provider failed to stop.
	AutostopGrace time.Duration
}

// run is the in-memory record for one live or recently finished run.
type run struct {
	runID       string
	jobID       string
	state       protocol.RunState
	config      protocol.RunConfig
	submittedAt time.Time
	autostopAt  time.Time

	providerState string
	resources     string
	costUSD       float64
	progress      float64
	lastError     string

	syncedLogLines int
	cancelPoll     context.CancelFunc
}

// StatusReport is the status surface the façade returns for a run.
// When the backend read fails mid-poll the report carries
// Status "error" and the run keeps polling.
type StatusReport struct {
	RunID           string  `json:"runId"`
	JobID           string  `json:"jobId,omitempty"`
	Status          string  `json:"status"`
	ProviderState   string  `json:"providerState,omitempty"`
	Resources       string  `json:"resources,omitempty"`
	Progress        float64 `json:"progress"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Orchestrator drives training runs on a compute backend.
type Orchestrator struct {
	backend compute.Backend
	store   storage.Client
	ingest  *ingest.Ingestor
	signer  *ingest.TokenSigner
	opts    Options
	log     *zap.Logger

	slots      *semaphore.Weighted
	retryDelay time.Duration

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New builds an Orchestrator. The ingestor receives the log lines
// pulled during metadata sync; the signer mints worker callback tokens.
func New(backend compute.Backend, store storage.Client, ing *ingest.Ingestor, signer *ingest.TokenSigner, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.AutostopGrace <= 0 {
		opts.AutostopGrace = defaultAutostopGrace
	}
	return &Orchestrator{
		backend:    backend,
		store:      store,
		ingest:     ing,
		signer:     signer,
		opts:       opts,
		log:        log,
		slots:      semaphore.NewWeighted(opts.MaxWorkers),
		retryDelay: backendRetryDelay,
		runs:       make(map[string]*run),
	}
}

// Shutdown stops every poll goroutine and waits for them to exit. Runs
// keep executing on the backend; polling resumes on the next process
// start via the document store.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, r := range o.runs {
		if r.cancelPoll != nil {
			r.cancelPoll()
		}
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Live reports whether runID has a non-terminal run in flight.
func (o *Orchestrator) Live(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	return ok && !r.state.Terminal()
}

// Launch submits a training run. Launching a runID that is already live
// is a no-op returning the existing job identifier, so duplicate
// submissions from retried HTTP requests stay harmless.
func (o *Orchestrator) Launch(ctx context.Context, runID string, cfg protocol.RunConfig) (string, error) {
	if runID == "" {
		return "", apperr.Validation("runId", "runId required")
	}

	o.mu.Lock()
	if existing, ok := o.runs[runID]; ok && !existing.state.Terminal() {
		jobID := existing.jobID
		o.mu.Unlock()
		return jobID, nil
	}
	o.mu.Unlock()

	if !o.slots.TryAcquire(1) {
		return "", apperr.External("compute", fmt.Errorf("worker capacity exhausted (%d live runs)", o.opts.MaxWorkers))
	}
	jobID, err := o.launch(ctx, runID, cfg)
	if err != nil {
		o.slots.Release(1)
		return "", err
	}
	return jobID, nil
}

func (o *Orchestrator) launch(ctx context.Context, runID string, cfg protocol.RunConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, launchDeadline)
	defer cancel()

	token := ""
	if o.signer != nil {
		token = o.signer.Sign(runID)
	}
	m, err := manifest.Build(runID, cfg, manifest.Options{
		CallbackURL: o.opts.CallbackURL,
		StorageURL:  o.opts.StorageURL,
		WorkerToken: token,
	})
	if err != nil {
		return "", err
	}
	path, err := m.WriteTemp()
	if err != nil {
		return "", apperr.Orchestrator("materialize manifest", err)
	}
	defer os.Remove(path)

	if !o.backend.Configured(ctx) {
		if err := o.backend.Setup(ctx); err != nil {
			o.failRun(runID, cfg, fmt.Sprintf("backend not configured: %v", err))
			return "", apperr.Orchestrator("backend setup", err)
		}
	}

	var jobID string
	err = o.withRetry(ctx, func() error {
		var submitErr error
		jobID, submitErr = o.backend.Submit(ctx, path, m.Name)
		return submitErr
	})
	if err != nil {
		// Keep the backend's diagnostic verbatim for the operator.
		o.failRun(runID, cfg, err.Error())
		return "", apperr.Orchestrator("submit workload", err)
	}

	now := time.Now().UTC()
	r := &run{
		runID:       runID,
		jobID:       jobID,
		state:       protocol.RunPending,
		config:      cfg,
		submittedAt: now,
	}
	if cfg.AutostopMinutes > 0 {
		r.autostopAt = now.Add(time.Duration(cfg.AutostopMinutes)*time.Minute + o.opts.AutostopGrace)
	}

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	r.cancelPoll = cancelPoll

	o.mu.Lock()
	o.runs[runID] = r
	o.mu.Unlock()

	o.persistRun(ctx, r)
	metrics.RecordRunStatus(string(protocol.RunPending))
	metrics.ActiveRuns.Inc()

	o.wg.Add(1)
	go o.pollLoop(pollCtx, runID, jobID)

	o.log.Info("run launched",
		zap.String("run_id", runID),
		zap.String("job_id", jobID),
		zap.String("backend", o.backend.Name()),
		zap.String("algorithm", cfg.Algorithm))
	return jobID, nil
}

// GetStatus reports the current state of a run. Backend read failures
// degrade to Status "error" with the stored state left intact rather
// than surfacing a 5xx for a run that is still executing.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*StatusReport, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	var jobID string
	var state protocol.RunState
	if ok {
		jobID, state = r.jobID, r.state
	}
	o.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("run " + runID)
	}

	report := &StatusReport{RunID: runID, JobID: jobID, Status: string(state)}
	if state.Terminal() {
		o.mu.Lock()
		report.ProviderState = r.providerState
		report.Resources = r.resources
		report.Progress = r.progress
		report.CostUSD = r.costUSD
		report.Error = r.lastError
		o.mu.Unlock()
		return report, nil
	}

	ctx, cancel := context.WithTimeout(ctx, statusDeadline)
	defer cancel()
	var st *compute.Status
	err := o.withRetry(ctx, func() error {
		var statusErr error
		st, statusErr = o.backend.Status(ctx, jobID)
		return statusErr
	})
	if err != nil {
		report.Status = "error"
		report.Error = err.Error()
		return report, nil
	}

	o.applyBackendStatus(ctx, runID, st)

	// Report the state machine's view, not the raw observation: a stale
	// backend read that applyBackendStatus rejected as backward must not
	// leak out as a status regression.
	o.mu.Lock()
	report.Status = string(r.state)
	report.Progress = r.progress
	o.mu.Unlock()
	report.ProviderState = st.ProviderState
	report.Resources = st.Resources
	report.DurationSeconds = st.Duration.Seconds()
	report.CostUSD = st.CostUSD
	return report, nil
}

// GetLogs returns up to maxLines of recent output for a run and whether
// older lines were dropped.
func (o *Orchestrator) GetLogs(ctx context.Context, runID string, maxLines int) ([]string, bool, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	var jobID string
	if ok {
		jobID = r.jobID
	}
	o.mu.Unlock()
	if !ok {
		return nil, false, apperr.NotFound("run " + runID)
	}

	ctx, cancel := context.WithTimeout(ctx, logsDeadline)
	defer cancel()
	var lines []string
	var truncated bool
	err := o.withRetry(ctx, func() error {
		var logsErr error
		lines, truncated, logsErr = o.backend.Logs(ctx, jobID, maxLines)
		return logsErr
	})
	if err != nil {
		return nil, false, apperr.External(o.backend.Name(), err)
	}
	return lines, truncated, nil
}

// Cancel stops a run. Cancelling a run that already reached a terminal
// state is acknowledged without touching the backend.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	var jobID string
	var terminal bool
	if ok {
		jobID, terminal = r.jobID, r.state.Terminal()
	}
	o.mu.Unlock()
	if !ok {
		return apperr.NotFound("run " + runID)
	}
	if terminal {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cancelDeadline)
	defer cancel()
	err := o.withRetry(ctx, func() error {
		return o.backend.Cancel(ctx, jobID)
	})
	if err != nil {
		return apperr.External(o.backend.Name(), err)
	}

	o.transition(ctx, runID, protocol.RunCancelled, "")
	return nil
}

// ApplyStatus applies a worker-initiated status update, converging with
// the poll loop through the state-machine partial order. Backward
// transitions are rejected.
func (o *Orchestrator) ApplyStatus(ctx context.Context, upd protocol.StatusUpdate) error {
	next := protocol.RunState(upd.Status)
	if !next.Valid() {
		return apperr.Validation("status", fmt.Sprintf("unknown status %q", upd.Status))
	}

	o.mu.Lock()
	r, ok := o.runs[upd.RunID]
	if !ok {
		o.mu.Unlock()
		return apperr.NotFound("run " + upd.RunID)
	}
	current := r.state
	if !current.CanTransitionTo(next) {
		o.mu.Unlock()
		return apperr.Validation("status", fmt.Sprintf("cannot move %s from %s to %s", upd.RunID, current, next))
	}
	if upd.Progress != nil {
		r.progress = *upd.Progress
	}
	o.mu.Unlock()

	if current == next {
		// Same-state update: nothing to transition, but the progress
		// the worker reported still needs to reach the store.
		o.persistCurrent(ctx, upd.RunID)
		return nil
	}
	o.transition(ctx, upd.RunID, next, upd.Message)
	return nil
}

// SyncMetadata pulls status and fresh log lines for one run and writes
// them through. Failures degrade silently: the run stays live and the
// next tick tries again.
func (o *Orchestrator) SyncMetadata(ctx context.Context, runID, jobID string) {
	st, err := o.backend.Status(ctx, jobID)
	if err != nil {
		o.log.Warn("status sync failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		o.applyBackendStatus(ctx, runID, st)
	}

	lines, _, err := o.backend.Logs(ctx, jobID, 0)
	if err != nil {
		o.log.Warn("log sync failed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	o.mu.Lock()
	synced := 0
	if r, ok := o.runs[runID]; ok {
		synced = r.syncedLogLines
		if len(lines) > synced {
			r.syncedLogLines = len(lines)
		}
	}
	o.mu.Unlock()
	if len(lines) <= synced {
		return
	}

	if o.ingest == nil {
		return
	}
	for _, batch := range ingest.BatchLines(lines[synced:], logBatchSize) {
		entry := protocol.LogEntry{
			RunID:   runID,
			Level:   ingest.DominantLevel(batch),
			Message: strings.Join(batch, "\n"),
		}
		if err := o.ingest.IngestLogs(ctx, entry); err != nil {
			o.log.Warn("log ingest failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context, runID, jobID string) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(ctx, logsDeadline)
			o.SyncMetadata(syncCtx, runID, jobID)
			cancel()

			o.mu.Lock()
			r, ok := o.runs[runID]
			var terminal, overdue bool
			if ok {
				terminal = r.state.Terminal()
				overdue = !r.autostopAt.IsZero() && time.Now().UTC().After(r.autostopAt)
			}
			o.mu.Unlock()
			if !ok || terminal {
				return
			}
			if overdue {
				o.log.Warn("autostop deadline passed, cancelling run",
					zap.String("run_id", runID))
				cancelCtx, cancelFn := context.WithTimeout(context.Background(), cancelDeadline)
				if err := o.Cancel(cancelCtx, runID); err != nil {
					o.log.Warn("autostop cancel failed", zap.String("run_id", runID), zap.Error(err))
				}
				cancelFn()
			}
		}
	}
}

// applyBackendStatus folds one backend observation into the run record,
// honoring the transition partial order so a stale poll result cannot
// move a finished run backward.
func (o *Orchestrator) applyBackendStatus(ctx context.Context, runID string, st *compute.Status) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return
	}
	r.providerState = st.ProviderState
	r.resources = st.Resources
	r.costUSD = st.CostUSD
	allowed := r.state.CanTransitionTo(st.State) && r.state != st.State
	o.mu.Unlock()

	if allowed {
		o.transition(ctx, runID, st.State, "")
	} else {
		o.persistCurrent(ctx, runID)
	}
}

// transition moves a run to next, persists it, and tears down polling
// when next is terminal. The move is re-validated under the lock: a
// caller's earlier check may have gone stale against a concurrent
// Cancel, and a second terminal transition would release the worker
// slot twice.
func (o *Orchestrator) transition(ctx context.Context, runID string, next protocol.RunState, message string) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	if !ok || r.state == next || !r.state.CanTransitionTo(next) {
		o.mu.Unlock()
		return
	}
	r.state = next
	if message != "" {
		r.lastError = message
	}
	cancelPoll := r.cancelPoll
	terminal := next.Terminal()
	o.mu.Unlock()

	metrics.RecordRunStatus(string(next))
	if terminal {
		metrics.ActiveRuns.Dec()
		o.slots.Release(1)
		if cancelPoll != nil {
			cancelPoll()
		}
	}
	o.persistCurrent(ctx, runID)
	o.log.Info("run state changed",
		zap.String("run_id", runID),
		zap.String("state", string(next)))
}

// failRun records a run that never made it onto the backend.
func (o *Orchestrator) failRun(runID string, cfg protocol.RunConfig, diagnostic string) {
	r := &run{
		runID:       runID,
		state:       protocol.RunFailed,
		config:      cfg,
		submittedAt: time.Now().UTC(),
		lastError:   diagnostic,
	}
	o.mu.Lock()
	o.runs[runID] = r
	o.mu.Unlock()

	metrics.RecordRunStatus(string(protocol.RunFailed))
	ctx, cancel := context.WithTimeout(context.Background(), statusDeadline)
	defer cancel()
	o.persistRun(ctx, r)
}

func (o *Orchestrator) persistCurrent(ctx context.Context, runID string) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return
	}
	snapshot := *r
	o.mu.Unlock()
	o.persistRun(ctx, &snapshot)
}

// persistRun writes the run document through the storage client.
// Storage outages are logged, not fatal: the in-memory record remains
// authoritative until the next write succeeds.
func (o *Orchestrator) persistRun(ctx context.Context, r *run) {
	args := storage.Args{
		"id":            r.runID,
		"runId":         r.runID,
		"jobId":         r.jobID,
		"status":        string(r.state),
		"algorithm":     r.config.Algorithm,
		"providerState": r.providerState,
		"resources":     r.resources,
		"progress":      r.progress,
		"costUsd":       r.costUSD,
		"submittedAt":   r.submittedAt.Format(time.RFC3339Nano),
		"updatedAt":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.lastError != "" {
		args["error"] = r.lastError
	}
	if _, err := o.store.Mutation(ctx, storage.PathRunsUpdate, args); err != nil {
		o.log.Warn("persist run failed", zap.String("run_id", r.runID), zap.Error(err))
	}
}

func (o *Orchestrator) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Attempts(backendRetryAttempts),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}
