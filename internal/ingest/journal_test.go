package ingest

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendAndPendingBatch(t *testing.T) {
	j := newJournal(t)

	for n := 0; n < 5; n++ {
		part := n % 2
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, n))
		if _, err := j.Append(KindMetric, "r1", part, payload); err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
	}

	batch, err := j.PendingBatch(0, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 entries in partition 0, got %d", len(batch))
	}
	for idx := 1; idx < len(batch); idx++ {
		if batch[idx].ID <= batch[idx-1].ID {
			t.Error("batch not ordered oldest first")
		}
	}
	for _, e := range batch {
		if e.Partition != 0 {
			t.Errorf("partition 1 entry leaked into partition 0: %+v", e)
		}
		if e.Kind != KindMetric || e.RunID != "r1" {
			t.Errorf("entry fields lost: %+v", e)
		}
	}
}

func TestJournalBatchLimit(t *testing.T) {
	j := newJournal(t)
	for n := 0; n < 10; n++ {
		if _, err := j.Append(KindLog, "r1", 0, []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	batch, err := j.PendingBatch(0, 4)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(batch) != 4 {
		t.Errorf("limit not honored: got %d entries", len(batch))
	}
}

func TestJournalMarkDispatchedAndCount(t *testing.T) {
	j := newJournal(t)
	id1, err := j.Append(KindMetric, "r1", 0, []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(KindMetric, "r1", 0, []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if n, _ := j.PendingCount(); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}
	if err := j.MarkDispatched(id1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if n, _ := j.PendingCount(); n != 1 {
		t.Errorf("expected 1 pending after dispatch, got %d", n)
	}
	batch, _ := j.PendingBatch(0, 10)
	if len(batch) != 1 || batch[0].ID == id1 {
		t.Errorf("dispatched entry still pending: %+v", batch)
	}
}

func TestJournalPruneKeepsPending(t *testing.T) {
	j := newJournal(t)
	id1, _ := j.Append(KindMetric, "r1", 0, []byte(`{}`))
	j.Append(KindMetric, "r1", 0, []byte(`{}`))
	if err := j.MarkDispatched(id1); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// Zero age prunes every dispatched entry but must not touch
	// pending ones.
	if err := j.Prune(-time.Second); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n, _ := j.PendingCount(); n != 1 {
		t.Errorf("prune removed a pending entry: %d left", n)
	}
}
