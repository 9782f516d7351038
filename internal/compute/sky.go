package compute

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
)

const (
	// DefaultSkyBin is the SkyPilot CLI binary resolved from PATH when
	// DOJO_SKY_BIN is unset.
	DefaultSkyBin = "sky"

	// maxOutputSize caps captured CLI output at 1MB per stream.
	maxOutputSize = 1 << 20

	submitTimeout = 5 * time.Minute
	statusTimeout = 30 * time.Second
	logsTimeout   = 60 * time.Second
	cancelTimeout = 30 * time.Second
)

var (
	// jobStatePattern matches the STATUS column of `sky queue` rows.
	jobStatePattern = regexp.MustCompile(`^(INIT|PENDING|SETTING_UP|STARTING|RUNNING|RECOVERING|SUCCEEDED|FAILED[A-Z_]*|CANCELLING|CANCELLED)$`)

	// resourcePattern matches the RESOURCES column, e.g. "1x[T4:1]".
	resourcePattern = regexp.MustCompile(`^\d+x\[.+\]$`)
)

// runFunc executes one CLI invocation and returns captured output. Swapped
// for a fake in tests.
type runFunc func(ctx context.Context, bin string, args ...string) (stdout, stderr string, err error)

// Sky drives training jobs through the SkyPilot CLI. Each call shells out
// with its own deadline; jobs are addressed by the cluster name chosen at
// submit time.
type Sky struct {
	bin string
	run runFunc
	log *zap.Logger
}

// NewSky returns a backend invoking the given sky binary.
func NewSky(bin string, log *zap.Logger) *Sky {
	if bin == "" {
		bin = DefaultSkyBin
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sky{bin: bin, run: runCommand, log: log}
}

func (s *Sky) Name() string { return "sky" }

// Configured probes cloud credentials with `sky check`.
func (s *Sky) Configured(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	_, stderr, err := s.run(ctx, s.bin, "check")
	if err != nil {
		s.log.Debug("sky check failed",
			zap.String("bin", s.bin),
			zap.String("stderr", firstLine(stderr)),
			zap.Error(err))
		return false
	}
	return true
}

// Setup runs `sky check` to initialize local SkyPilot state and validate
// at least one cloud credential.
func (s *Sky) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	_, stderr, err := s.run(ctx, s.bin, "check")
	if err != nil {
		return apperr.External("compute", fmt.Errorf("sky check: %w: %s", err, firstLine(stderr)))
	}
	s.log.Info("sky backend configured", zap.String("bin", s.bin))
	return nil
}

// Submit launches the manifest on a fresh cluster named after the run. The
// cluster name doubles as the job identifier for every later call.
func (s *Sky) Submit(ctx context.Context, manifestPath, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := s.run(ctx, s.bin,
		"launch", "--yes", "--detach-run", "--name", name, manifestPath)
	if err != nil {
		s.log.Error("sky launch failed",
			zap.String("name", name),
			zap.String("stderr", firstLine(stderr)),
			zap.Error(err))
		return "", apperr.External("compute", fmt.Errorf("sky launch %s: %w: %s", name, err, firstLine(stderr)))
	}

	s.log.Info("sky job submitted",
		zap.String("name", name),
		zap.String("manifest", manifestPath),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int("stdout_bytes", len(stdout)))
	return name, nil
}

// Status reads the job queue of the cluster and maps the newest job row
// onto the run state machine.
func (s *Sky) Status(ctx context.Context, jobID string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	stdout, stderr, err := s.run(ctx, s.bin, "queue", jobID)
	if err != nil {
		return nil, apperr.External("compute", fmt.Errorf("sky queue %s: %w: %s", jobID, err, firstLine(stderr)))
	}

	st, ok := parseQueue(stdout)
	if !ok {
		return nil, apperr.External("compute", fmt.Errorf("sky queue %s: no job rows in output", jobID))
	}
	return st, nil
}

// Logs fetches job output without following and trims to the newest
// maxLines.
func (s *Sky) Logs(ctx context.Context, jobID string, maxLines int) ([]string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, logsTimeout)
	defer cancel()

	stdout, stderr, err := s.run(ctx, s.bin, "logs", "--no-follow", jobID)
	if err != nil {
		return nil, false, apperr.External("compute", fmt.Errorf("sky logs %s: %w: %s", jobID, err, firstLine(stderr)))
	}

	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	trimmed, truncated := tail(lines, maxLines)
	return trimmed, truncated, nil
}

// Cancel stops all jobs on the cluster. A cluster that is already gone
// counts as cancelled.
func (s *Sky) Cancel(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	_, stderr, err := s.run(ctx, s.bin, "cancel", "--yes", "--all", jobID)
	if err != nil {
		if missingCluster(stderr) {
			s.log.Debug("sky cancel on missing cluster", zap.String("name", jobID))
			return nil
		}
		return apperr.External("compute", fmt.Errorf("sky cancel %s: %w: %s", jobID, err, firstLine(stderr)))
	}
	s.log.Info("sky job cancelled", zap.String("name", jobID))
	return nil
}

// parseQueue extracts the newest job row from `sky queue` tabular output.
// Column widths vary and several columns contain spaces, so rather than
// splitting on positions it scans each row for the RESOURCES and STATUS
// shaped tokens.
func parseQueue(out string) (*Status, bool) {
	var (
		found *Status
		ok    bool
	)
	for _, line := range strings.Split(out, "\n") {
		if st, rowOK := parseQueueRow(line); rowOK {
			// Later rows are newer submissions on the same cluster.
			found, ok = st, true
		}
	}
	return found, ok
}

func parseQueueRow(line string) (*Status, bool) {
	var resources string
	for _, f := range strings.Fields(line) {
		if resourcePattern.MatchString(f) {
			resources = f
			continue
		}
		if jobStatePattern.MatchString(f) {
			return &Status{
				State:         mapProviderState(f),
				ProviderState: f,
				Resources:     resources,
			}, true
		}
	}
	return nil, false
}

func missingCluster(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "not found") || strings.Contains(s, "does not exist")
}

func runCommand(ctx context.Context, bin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return truncate(stdout.String(), maxOutputSize), truncate(stderr.String(), maxOutputSize), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
