package queue_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/claudmaster/internal/party/queue"
)

func openLog(t *testing.T, path string) *queue.Log {
	t.Helper()
	l, err := queue.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAssignsSequence(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "responses.jsonl"))

	for i := int64(1); i <= 3; i++ {
		e, err := l.Append("narrative", map[string]string{"text": "hello"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if e.Seq != i {
			t.Errorf("Seq = %d, want %d", e.Seq, i)
		}
	}
	if l.LastSeq() != 3 {
		t.Errorf("LastSeq() = %d, want 3", l.LastSeq())
	}
}

func TestReplayFromCursor(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "responses.jsonl"))

	for _, text := range []string{"one", "two", "three"} {
		if _, err := l.Append("narrative", map[string]string{"text": text}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	entries, err := l.Replay(1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Replay(1) = %d entries, want 2", len(entries))
	}
	if entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Errorf("replayed seqs = %d, %d", entries[0].Seq, entries[1].Seq)
	}

	var data map[string]string
	if err := json.Unmarshal(entries[0].Data, &data); err != nil {
		t.Fatalf("Unmarshal data: %v", err)
	}
	if data["text"] != "two" {
		t.Errorf("data.text = %q, want %q", data["text"], "two")
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")

	l, err := queue.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := l.Append("action", map[string]string{"text": "I attack"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	l2 := openLog(t, path)
	e, err := l2.Append("action", map[string]string{"text": "I parry"})
	if err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	if e.Seq != 2 {
		t.Errorf("Seq after reopen = %d, want 2", e.Seq)
	}
}

func TestTornTailIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.jsonl")

	l, err := queue.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := l.Append("narrative", map[string]string{"text": "safe"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	l.Close()

	// Simulate a crash mid-append: a trailing partial line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.WriteString(`{"seq":2,"kind":"narr`); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	f.Close()

	l2 := openLog(t, path)
	entries, err := l2.Replay(0)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Replay() = %d entries, want 1 (torn tail dropped)", len(entries))
	}

	// The next append reuses seq 2: the torn write was never confirmed.
	e, err := l2.Append("narrative", map[string]string{"text": "recovered"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.Seq != 2 {
		t.Errorf("Seq after torn tail = %d, want 2", e.Seq)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	l, err := queue.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	l.Close()

	if _, err := l.Append("action", nil); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Append() after close error = %v, want ErrClosed", err)
	}
}

func TestReplayEmptyLog(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "empty.jsonl"))
	entries, err := l.Replay(0)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Replay() on empty log = %d entries", len(entries))
	}
}
