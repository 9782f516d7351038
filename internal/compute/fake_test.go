package compute

import (
	"context"
	"errors"
	"testing"

	"github.com/dojoworks/dojo/internal/protocol"
)

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	f.Script(protocol.RunPending, protocol.RunRunning, protocol.RunSucceeded)

	ctx := context.Background()
	id, err := f.Submit(ctx, "/tmp/task.yaml", "run-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if manifest, ok := f.Submitted(id); !ok || manifest != "/tmp/task.yaml" {
		t.Errorf("Submitted(%s) = %q, %v", id, manifest, ok)
	}

	want := []protocol.RunState{
		protocol.RunPending,
		protocol.RunRunning,
		protocol.RunSucceeded,
		protocol.RunSucceeded, // terminal state repeats
	}
	for i, w := range want {
		st, err := f.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status call %d: %v", i, err)
		}
		if st.State != w {
			t.Errorf("Status call %d = %q, want %q", i, st.State, w)
		}
	}
}

func TestFakeCancelOverridesScript(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id, err := f.Submit(ctx, "/tmp/task.yaml", "run-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st, err := f.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != protocol.RunCancelled {
		t.Errorf("state after cancel = %q, want cancelled", st.State)
	}
}

func TestFakeSubmitFailsOnce(t *testing.T) {
	f := NewFake()
	f.FailSubmit(errors.New("quota exceeded"))

	ctx := context.Background()
	if _, err := f.Submit(ctx, "/tmp/task.yaml", "run-1"); err == nil {
		t.Fatal("first Submit succeeded despite injected failure")
	}
	if _, err := f.Submit(ctx, "/tmp/task.yaml", "run-1"); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
}

func TestFakeLogsTail(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id, _ := f.Submit(ctx, "/tmp/task.yaml", "run-1")
	f.AppendLogs(id, "a", "b", "c")

	lines, truncated, err := f.Logs(ctx, id, 2)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !truncated || len(lines) != 2 || lines[0] != "b" {
		t.Errorf("Logs = %v truncated=%v, want [b c] true", lines, truncated)
	}
}

func TestFakeSetupRestoresConfigured(t *testing.T) {
	f := NewFake()
	f.SetConfigured(false)
	ctx := context.Background()

	if f.Configured(ctx) {
		t.Fatal("Configured = true after SetConfigured(false)")
	}
	if err := f.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !f.Configured(ctx) {
		t.Error("Configured = false after successful Setup")
	}

	f2 := NewFake()
	f2.SetConfigured(false)
	f2.FailSetup(errors.New("no credentials"))
	if err := f2.Setup(ctx); err == nil {
		t.Error("Setup succeeded despite injected failure")
	}
}
