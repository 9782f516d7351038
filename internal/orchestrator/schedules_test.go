package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/protocol"
	"github.com/dojoworks/dojo/internal/storage"
)

// fakeLauncher records launches and lets tests mark runs live.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	live     map[string]bool
	err      error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{live: make(map[string]bool)}
}

func (f *fakeLauncher) Launch(_ context.Context, runID string, _ protocol.RunConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.launched = append(f.launched, runID)
	f.live[runID] = true
	return "job-" + runID, nil
}

func (f *fakeLauncher) Live(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[runID]
}

func (f *fakeLauncher) finish(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[runID] = false
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func TestIsScheduleDue(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)
	stale := now.Add(-2 * time.Hour)

	cases := []struct {
		name      string
		schedule  string
		lastRunAt *time.Time
		want      bool
		wantErr   bool
	}{
		{name: "interval due from creation", schedule: "30m", want: true},
		{name: "interval not yet due", schedule: "30m", lastRunAt: &recent, want: false},
		{name: "interval due from last run", schedule: "30m", lastRunAt: &stale, want: true},
		{name: "cron due", schedule: "*/5 * * * *", lastRunAt: &stale, want: true},
		{name: "cron not due", schedule: "0 0 1 1 *", lastRunAt: &recent, want: false},
		{name: "empty schedule", schedule: "", wantErr: true},
		{name: "negative interval", schedule: "-5m", wantErr: true},
		{name: "garbage", schedule: "whenever", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			due, err := isScheduleDue(tc.schedule, tc.lastRunAt, created, now)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if due != tc.want {
				t.Errorf("due = %v, want %v", due, tc.want)
			}
		})
	}
}

func TestSchedulePutValidation(t *testing.T) {
	s := NewScheduler(storage.NewMemory(), newFakeLauncher(), nil)
	ctx := context.Background()

	_, err := s.Put(ctx, protocol.ScheduleSpec{Name: "nightly", Schedule: "whenever"})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Errorf("bad schedule not rejected: %v", err)
	}
	_, err = s.Put(ctx, protocol.ScheduleSpec{Schedule: "1h"})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Errorf("missing name not rejected: %v", err)
	}

	spec, err := s.Put(ctx, protocol.ScheduleSpec{
		Name:     "nightly",
		Schedule: "0 2 * * *",
		Config:   protocol.RunConfig{Algorithm: "ppo"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if spec.ID == "" {
		t.Error("no id assigned")
	}

	listed, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "nightly" {
		t.Errorf("unexpected listing: %+v", listed)
	}
}

func TestScheduleDeleteRemovesIt(t *testing.T) {
	s := NewScheduler(storage.NewMemory(), newFakeLauncher(), nil)
	ctx := context.Background()

	spec, err := s.Put(ctx, protocol.ScheduleSpec{Name: "n", Schedule: "1h", Config: protocol.RunConfig{Algorithm: "ppo"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, spec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	listed, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("schedule survived delete: %+v", listed)
	}
}

func TestSchedulerLaunchesDueRuns(t *testing.T) {
	launcher := newFakeLauncher()
	s := NewScheduler(storage.NewMemory(), launcher, nil)
	ctx := context.Background()

	if _, err := s.Put(ctx, protocol.ScheduleSpec{Name: "hourly", Schedule: "1ms", Config: protocol.RunConfig{Algorithm: "ppo"}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	s.runOnce(ctx, time.Now().UTC())
	if launcher.count() != 1 {
		t.Fatalf("expected one launch, got %d", launcher.count())
	}

	// The previous run is still live: the next due tick is suppressed.
	time.Sleep(5 * time.Millisecond)
	s.runOnce(ctx, time.Now().UTC())
	if launcher.count() != 1 {
		t.Fatalf("overlapping run not suppressed, got %d launches", launcher.count())
	}

	// Once it finishes the schedule fires again.
	launcher.finish(launcher.launched[0])
	time.Sleep(5 * time.Millisecond)
	s.runOnce(ctx, time.Now().UTC())
	if launcher.count() != 2 {
		t.Errorf("schedule did not resume after run finished, got %d launches", launcher.count())
	}
}

func TestSchedulerSkipsSuspended(t *testing.T) {
	launcher := newFakeLauncher()
	s := NewScheduler(storage.NewMemory(), launcher, nil)
	ctx := context.Background()

	if _, err := s.Put(ctx, protocol.ScheduleSpec{
		Name:      "paused",
		Schedule:  "1ms",
		Suspended: true,
		Config:    protocol.RunConfig{Algorithm: "ppo"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	s.runOnce(ctx, time.Now().UTC())
	if launcher.count() != 0 {
		t.Errorf("suspended schedule launched %d runs", launcher.count())
	}
}

func TestTriggerNowIgnoresSchedule(t *testing.T) {
	launcher := newFakeLauncher()
	s := NewScheduler(storage.NewMemory(), launcher, nil)
	ctx := context.Background()

	spec, err := s.Put(ctx, protocol.ScheduleSpec{Name: "yearly", Schedule: "0 0 1 1 *", Config: protocol.RunConfig{Algorithm: "sac"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	runID, err := s.TriggerNow(ctx, spec.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if runID == "" || launcher.count() != 1 {
		t.Errorf("trigger did not launch: id=%q launches=%d", runID, launcher.count())
	}

	if _, err := s.TriggerNow(ctx, "ghost"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("unknown schedule not rejected: %v", err)
	}
}
