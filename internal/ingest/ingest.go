package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/metrics"
	"github.com/dojoworks/dojo/internal/protocol"
	"github.com/dojoworks/dojo/internal/storage"
)

// Tuning defaults.
const (
	DefaultPartitions = 8
	defaultBatchSize  = 100
	idlePoll          = 500 * time.Millisecond
	dispatchBackoff   = 2 * time.Second
	pruneInterval     = 10 * time.Minute
	pruneAge          = time.Hour

	// MaxLogBody caps one log push; anything past it is cut and marked.
	MaxLogBody = 50 * 1024

	truncationMarker = "\n... [truncated by ingest: body exceeded 50KB]"
)

// Options tunes an Ingestor.
type Options struct {
	// Partitions is the number of serial fan-out queues. RunIds hash
	// onto partitions, so order is preserved per run.
	Partitions int
	// BatchSize bounds one fan-out drain.
	BatchSize int
}

// Ingestor is the worker-facing telemetry sink: durable journal ack on
// the request path, per-partition at-least-once fan-out to storage off
// it, and an in-memory metric tail for live watch streams.
type Ingestor struct {
	journal *Journal
	store   storage.Client
	opts    Options
	log     *zap.Logger

	wake []chan struct{}

	mu     sync.Mutex
	tails  map[string]*metricTail
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Ingestor over a journal and the storage client.
func New(journal *Journal, store storage.Client, opts Options, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultPartitions
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	wake := make([]chan struct{}, opts.Partitions)
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}
	return &Ingestor{
		journal: journal,
		store:   store,
		opts:    opts,
		log:     log,
		wake:    wake,
		tails:   make(map[string]*metricTail),
	}
}

// Start launches the fan-out workers. Entries journaled before a crash
// are picked up on the first drain. Safe to call once.
func (i *Ingestor) Start(ctx context.Context) {
	i.mu.Lock()
	if i.cancel != nil {
		i.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.mu.Unlock()

	for p := 0; p < i.opts.Partitions; p++ {
		i.wg.Add(1)
		go i.partitionLoop(loopCtx, p)
	}
	i.wg.Add(1)
	go i.pruneLoop(loopCtx)
}

// Stop halts fan-out. Journaled entries survive and are drained on the
// next Start.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
}

// IngestMetric accepts one metric point. It returns once the point is
// durably journaled; fan-out to storage happens behind the ack.
func (i *Ingestor) IngestMetric(_ context.Context, p protocol.MetricPoint) error {
	if p.RunID == "" {
		return apperr.Validation("runId", "runId required")
	}
	if p.Step < 0 {
		return apperr.Validation("step", "step must be >= 0")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode metric point: %w", err))
	}
	part := i.partitionOf(p.RunID)
	if _, err := i.journal.Append(KindMetric, p.RunID, part, payload); err != nil {
		return apperr.External("journal", err)
	}
	metrics.RecordIngest(KindMetric, 1)
	i.tail(p.RunID).push(p)
	i.signal(part)
	return nil
}

// IngestLogs accepts one log push, truncating oversized bodies and
// classifying unlevelled ones.
func (i *Ingestor) IngestLogs(_ context.Context, e protocol.LogEntry) error {
	if e.RunID == "" {
		return apperr.Validation("runId", "runId required")
	}
	if e.Message == "" {
		return apperr.Validation("message", "message required")
	}
	if len(e.Message) > MaxLogBody {
		e.Message = e.Message[:MaxLogBody] + truncationMarker
	}
	if e.Level == "" {
		e.Level = ClassifyLevel(e.Message)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode log entry: %w", err))
	}
	part := i.partitionOf(e.RunID)
	if _, err := i.journal.Append(KindLog, e.RunID, part, payload); err != nil {
		return apperr.External("journal", err)
	}
	metrics.RecordIngest(KindLog, 1)
	i.signal(part)
	return nil
}

// Tail returns the most recent n metric points seen for a run.
func (i *Ingestor) Tail(runID string, n int) []protocol.MetricPoint {
	return i.tail(runID).recent(n)
}

// Subscribe attaches a live metric watcher for one run. The returned
// cancel must be called when the watcher goes away.
func (i *Ingestor) Subscribe(runID string) (<-chan protocol.MetricPoint, func()) {
	return i.tail(runID).subscribe()
}

func (i *Ingestor) tail(runID string) *metricTail {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.tails[runID]
	if !ok {
		t = newMetricTail()
		i.tails[runID] = t
	}
	return t
}

func (i *Ingestor) partitionOf(runID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return int(h.Sum32() % uint32(i.opts.Partitions))
}

func (i *Ingestor) signal(partition int) {
	select {
	case i.wake[partition] <- struct{}{}:
	default:
	}
}

// partitionLoop drains one partition's journal entries to storage in
// arrival order. Failed dispatches stay in the journal and are retried
// on the next pass; at-least-once, never out of order within a run.
func (i *Ingestor) partitionLoop(ctx context.Context, partition int) {
	defer i.wg.Done()
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for {
		if err := i.drain(ctx, partition); err != nil && ctx.Err() == nil {
			i.log.Warn("ingest fan-out degraded",
				zap.Int("partition", partition),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dispatchBackoff):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-i.wake[partition]:
		case <-ticker.C:
		}
	}
}

func (i *Ingestor) drain(ctx context.Context, partition int) error {
	for {
		batch, err := i.journal.PendingBatch(partition, i.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			i.updateQueueDepth()
			return nil
		}
		for _, entry := range batch {
			if ctx.Err() != nil {
				return nil
			}
			if err := i.dispatch(ctx, entry); err != nil {
				return fmt.Errorf("dispatch entry %d: %w", entry.ID, err)
			}
			if err := i.journal.MarkDispatched(entry.ID); err != nil {
				return err
			}
		}
	}
}

func (i *Ingestor) dispatch(ctx context.Context, entry Entry) error {
	var args storage.Args
	if err := json.Unmarshal(entry.Payload, &args); err != nil {
		// Unparseable entries are logged and skipped, not retried forever.
		i.log.Warn("dropping malformed journal entry",
			zap.Int64("entry_id", entry.ID),
			zap.Error(err))
		return nil
	}
	path := storage.PathMetricsAppend
	if entry.Kind == KindLog {
		path = storage.PathLogsAppend
	}
	_, err := i.store.Mutation(ctx, path, args)
	return err
}

func (i *Ingestor) updateQueueDepth() {
	if n, err := i.journal.PendingCount(); err == nil {
		metrics.IngestQueueDepth.Set(float64(n))
	}
}

func (i *Ingestor) pruneLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.journal.Prune(pruneAge); err != nil {
				i.log.Warn("journal prune failed", zap.Error(err))
			}
		}
	}
}

// TruncateLogBody applies the ingestion body cap to an arbitrary
// multi-line body, returning the capped body and whether it was cut.
func TruncateLogBody(body string) (string, bool) {
	if len(body) <= MaxLogBody {
		return body, false
	}
	cut := body[:MaxLogBody]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut + truncationMarker, true
}
