package timeline_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/claudmaster/internal/world/timeline"
)

func TestTimeline_AppendMonotonicOrder(t *testing.T) {
	tl := timeline.New()

	var prev int64
	for i := range 5 {
		e, err := tl.Append(fmt.Sprintf("evt-%d", i), 1, nil)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if e.Order <= prev {
			t.Errorf("order %d not strictly greater than %d", e.Order, prev)
		}
		prev = e.Order
	}
}

func TestTimeline_CausesMustExist(t *testing.T) {
	tl := timeline.New()

	if _, err := tl.Append("evt-1", 1, []string{"ghost"}); !errors.Is(err, timeline.ErrCausality) {
		t.Errorf("Append with unknown cause: error = %v, want ErrCausality", err)
	}

	if _, err := tl.Append("evt-1", 1, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := tl.Append("evt-1", 1, nil); !errors.Is(err, timeline.ErrCausality) {
		t.Errorf("duplicate Append: error = %v, want ErrCausality", err)
	}

	// Causes always have a smaller order than the caused event.
	e2, err := tl.Append("evt-2", 1, []string{"evt-1"})
	if err != nil {
		t.Fatalf("Append(evt-2) error = %v", err)
	}
	e1, _ := tl.Get("evt-1")
	if e1.Order >= e2.Order {
		t.Errorf("cause order %d not less than effect order %d", e1.Order, e2.Order)
	}
}

func TestTimeline_BeforeAfter(t *testing.T) {
	tl := timeline.New()
	for i := range 4 {
		if _, err := tl.Append(fmt.Sprintf("evt-%d", i), 1, nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	before := tl.Before("evt-2")
	if len(before) != 2 {
		t.Errorf("Before(evt-2) = %d entries, want 2", len(before))
	}
	after := tl.After("evt-2")
	if len(after) != 1 || after[0].EventID != "evt-3" {
		t.Errorf("After(evt-2) = %v, want [evt-3]", after)
	}

	if got := tl.Before("missing"); got != nil {
		t.Errorf("Before(missing) = %v, want nil", got)
	}
}

func TestTimeline_CausedBy(t *testing.T) {
	tl := timeline.New()
	mustAppend := func(id string, causes ...string) {
		t.Helper()
		if _, err := tl.Append(id, 1, causes); err != nil {
			t.Fatalf("Append(%s) error = %v", id, err)
		}
	}

	mustAppend("ambush")
	mustAppend("wounded", "ambush")
	mustAppend("retreat", "wounded")
	mustAppend("unrelated")

	if !tl.CausedBy("retreat", "ambush") {
		t.Error("retreat should be transitively caused by ambush")
	}
	if tl.CausedBy("unrelated", "ambush") {
		t.Error("unrelated should not be caused by ambush")
	}
}

func TestTimeline_SnapshotRestore(t *testing.T) {
	tl := timeline.New()
	for i := range 3 {
		var causes []string
		if i > 0 {
			causes = []string{fmt.Sprintf("evt-%d", i-1)}
		}
		if _, err := tl.Append(fmt.Sprintf("evt-%d", i), 1, causes); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	snap := tl.Snapshot()
	restored := timeline.New()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	// Appends continue from the restored order.
	e, err := restored.Append("evt-3", 2, []string{"evt-2"})
	if err != nil {
		t.Fatalf("Append after restore error = %v", err)
	}
	if e.Order != snap[len(snap)-1].Order+1 {
		t.Errorf("post-restore order = %d, want %d", e.Order, snap[len(snap)-1].Order+1)
	}

	// Restore rejects forward causes.
	bad := []timeline.Entry{
		{EventID: "a", Order: 1, Causes: []string{"b"}},
		{EventID: "b", Order: 2},
	}
	if err := timeline.New().Restore(bad); !errors.Is(err, timeline.ErrCausality) {
		t.Errorf("Restore with forward cause: error = %v, want ErrCausality", err)
	}
}

func TestTimeline_ConcurrentAppend(t *testing.T) {
	tl := timeline.New()

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := range goroutines {
		go func(i int) {
			defer wg.Done()
			_, _ = tl.Append(fmt.Sprintf("evt-%d", i), 1, nil)
		}(i)
	}
	wg.Wait()

	snap := tl.Snapshot()
	if len(snap) != goroutines {
		t.Fatalf("Snapshot() = %d entries, want %d", len(snap), goroutines)
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].Order <= snap[i-1].Order {
			t.Fatalf("orders not strictly increasing at %d", i)
		}
	}
}
