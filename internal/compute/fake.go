package compute

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dojoworks/dojo/internal/protocol"
)

// Fake is an in-memory backend with scripted state transitions, used by
// tests and local development without cloud credentials.
type Fake struct {
	mu         sync.Mutex
	seq        int
	configured bool
	setupErr   error
	submitErr  error
	nextScript []protocol.RunState
	jobs       map[string]*fakeJob
}

type fakeJob struct {
	name      string
	manifest  string
	states    []protocol.RunState
	idx       int
	logs      []string
	cancelled bool
}

// NewFake returns a configured fake whose jobs run pending, running,
// succeeded across successive Status calls unless a script overrides it.
func NewFake() *Fake {
	return &Fake{configured: true, jobs: make(map[string]*fakeJob)}
}

// Script sets the state sequence observed by Status calls on the next
// submitted job. The final state repeats once reached.
func (f *Fake) Script(states ...protocol.RunState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextScript = states
}

// SetConfigured toggles the Configured probe.
func (f *Fake) SetConfigured(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = ok
}

// FailSetup makes Setup return err.
func (f *Fake) FailSetup(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupErr = err
}

// FailSubmit makes the next Submit return err.
func (f *Fake) FailSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// AppendLogs adds output lines to a submitted job.
func (f *Fake) AppendLogs(jobID string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.logs = append(j.logs, lines...)
	}
}

// Submitted returns the manifest path recorded for a job.
func (f *Fake) Submitted(jobID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return "", false
	}
	return j.manifest, true
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Configured(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *Fake) Setup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setupErr != nil {
		return f.setupErr
	}
	f.configured = true
	return nil
}

func (f *Fake) Submit(_ context.Context, manifestPath, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return "", err
	}

	states := f.nextScript
	f.nextScript = nil
	if len(states) == 0 {
		states = []protocol.RunState{protocol.RunPending, protocol.RunRunning, protocol.RunSucceeded}
	}

	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.jobs[id] = &fakeJob{name: name, manifest: manifestPath, states: states}
	return id, nil
}

func (f *Fake) Status(_ context.Context, jobID string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("fake: unknown job %s", jobID)
	}

	state := j.states[j.idx]
	if j.idx < len(j.states)-1 {
		j.idx++
	}
	if j.cancelled {
		state = protocol.RunCancelled
	}
	return &Status{
		State:         state,
		ProviderState: strings.ToUpper(string(state)),
		Resources:     "1x[FAKE:1]",
	}, nil
}

func (f *Fake) Logs(_ context.Context, jobID string, maxLines int) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("fake: unknown job %s", jobID)
	}
	lines, truncated := tail(j.logs, maxLines)
	out := make([]string, len(lines))
	copy(out, lines)
	return out, truncated, nil
}

func (f *Fake) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.cancelled = true
	}
	return nil
}
