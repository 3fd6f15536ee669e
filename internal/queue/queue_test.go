package queue

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/kazz187/maestro/pkg/cerr"
)

func TestTakeNextAdvancesInOrder(t *testing.T) {
	q := New("s1", []string{"t1", "t2", "t3"})
	if q.CurrentIndex != -1 {
		t.Fatalf("CurrentIndex = %d, want -1", q.CurrentIndex)
	}

	item, err := q.TakeNext()
	if err != nil {
		t.Fatal(err)
	}
	if item.TaskID != "t1" || item.Status != ItemStatusProcessing {
		t.Fatalf("item = %+v, want t1 processing", item)
	}
	if q.CurrentIndex != 0 {
		t.Fatalf("CurrentIndex = %d, want 0", q.CurrentIndex)
	}
	if item.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}
}

func TestTakeNextWhileProcessingConflicts(t *testing.T) {
	q := New("s1", []string{"t1", "t2"})
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}

	_, err := q.TakeNext()
	if !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Fatalf("err = %v, want FailedPrecondition", err)
	}
}

func TestCompleteKeepsIndexUntilNextTake(t *testing.T) {
	q := New("s1", []string{"t1", "t2"})
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}

	item, err := q.Complete()
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != ItemStatusCompleted || item.CompletedAt == nil {
		t.Fatalf("item = %+v, want completed with CompletedAt", item)
	}
	if q.CurrentIndex != 0 {
		t.Fatalf("CurrentIndex = %d, want 0 (unchanged until next take)", q.CurrentIndex)
	}

	next, err := q.TakeNext()
	if err != nil {
		t.Fatal(err)
	}
	if next.TaskID != "t2" || q.CurrentIndex != 1 {
		t.Fatalf("next = %+v at index %d, want t2 at 1", next, q.CurrentIndex)
	}
}

func TestFailRecordsReason(t *testing.T) {
	q := New("s1", []string{"t1"})
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}

	item, err := q.Fail("tests broke")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != ItemStatusFailed || item.FailReason != "tests broke" {
		t.Fatalf("item = %+v, want failed with reason", item)
	}
}

func TestFinishWithoutProcessing(t *testing.T) {
	q := New("s1", []string{"t1"})
	if _, err := q.Complete(); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Fatalf("Complete err = %v, want FailedPrecondition", err)
	}
	if _, err := q.Skip(); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Fatalf("Skip err = %v, want FailedPrecondition", err)
	}
}

func TestExhaustedQueueResetsIndex(t *testing.T) {
	q := New("s1", []string{"t1"})
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Skip(); err != nil {
		t.Fatal(err)
	}

	item, err := q.TakeNext()
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("item = %+v, want nil on exhausted queue", item)
	}
	if q.CurrentIndex != -1 {
		t.Fatalf("CurrentIndex = %d, want -1", q.CurrentIndex)
	}
	if q.Pending() {
		t.Fatal("Pending() = true on exhausted queue")
	}
}

func TestAppendAndRemove(t *testing.T) {
	q := New("s1", []string{"t1"})

	if err := q.Append("t2"); err != nil {
		t.Fatal(err)
	}
	if err := q.Append("t2"); !cerr.IsCode(err, cerr.AlreadyExists) {
		t.Fatalf("duplicate append err = %v, want AlreadyExists", err)
	}

	if err := q.Remove("t2"); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove("t2"); !cerr.IsCode(err, cerr.NotFound) {
		t.Fatalf("remove missing err = %v, want NotFound", err)
	}
}

func TestRemoveProcessingRejected(t *testing.T) {
	q := New("s1", []string{"t1"})
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}

	if err := q.Remove("t1"); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Fatalf("err = %v, want FailedPrecondition", err)
	}
}

func TestRemoveBeforeCurrentShiftsIndex(t *testing.T) {
	q := New("s1", []string{"t1", "t2", "t3"})
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Skip(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.TakeNext(); err != nil {
		t.Fatal(err)
	}
	// t2 is processing at index 1; re-add t1 then remove the queued t3.
	if err := q.Remove("t3"); err != nil {
		t.Fatal(err)
	}
	if cur := q.Current(); cur == nil || cur.TaskID != "t2" {
		t.Fatalf("Current = %+v, want t2", cur)
	}
}

// Drives the queue through random operation sequences and checks the
// single-processing invariant plus index consistency after every step.
func TestQueueInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`t[0-9]{1,3}`), 1, 8, rapid.ID[string]).Draw(t, "ids")
		q := New("s1", ids)

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{"take", "complete", "fail", "skip", "append", "remove"}).Draw(t, "op")
			switch op {
			case "take":
				_, _ = q.TakeNext()
			case "complete":
				_, _ = q.Complete()
			case "fail":
				_, _ = q.Fail("x")
			case "skip":
				_, _ = q.Skip()
			case "append":
				_ = q.Append(rapid.SampledFrom(ids).Draw(t, "appendID"))
			case "remove":
				_ = q.Remove(rapid.SampledFrom(ids).Draw(t, "removeID"))
			}

			processing := 0
			for j := range q.Items {
				if q.Items[j].Status == ItemStatusProcessing {
					processing++
					if q.CurrentIndex != j {
						t.Fatalf("processing item at %d but CurrentIndex = %d", j, q.CurrentIndex)
					}
				}
			}
			if processing > 1 {
				t.Fatalf("%d items processing, want at most 1", processing)
			}
			if q.CurrentIndex < -1 || q.CurrentIndex >= len(q.Items) {
				t.Fatalf("CurrentIndex %d out of range for %d items", q.CurrentIndex, len(q.Items))
			}
		}
	})
}
