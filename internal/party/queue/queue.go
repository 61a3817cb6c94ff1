// Package queue provides the durable append-only message log backing party
// mode delivery. Every append is a single JSON line followed by an fsync, so
// a confirmed append survives a crash; replay from a sequence cursor lets a
// reconnecting participant catch up on everything missed.
package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned for operations on a closed log.
var ErrClosed = errors.New("queue: log closed")

// Entry is one appended record. Seq is assigned by the log, strictly
// increasing from 1.
type Entry struct {
	Seq  int64           `json:"seq"`
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Log is a single append-only JSONL file. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	nextSeq int64
	closed  bool
}

// Open opens or creates the log at path and scans it to restore the sequence
// counter. A torn final line (crash mid-append) is truncated away; it was
// never confirmed to the producer.
func Open(path string) (*Log, error) {
	lastSeq, goodBytes, err := scanFile(path, 0, nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("queue: stat %s: %w", path, statErr)
		}
		if info.Size() > goodBytes {
			if err := os.Truncate(path, goodBytes); err != nil {
				return nil, fmt.Errorf("queue: truncate torn tail: %w", err)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	return &Log{path: path, f: f, nextSeq: lastSeq + 1}, nil
}

// Append marshals data, assigns the next sequence number, writes one line,
// and fsyncs before returning. The entry is durable once Append returns.
func (l *Log) Append(kind string, data any) (Entry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: marshal %s: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrClosed
	}

	e := Entry{
		Seq:  l.nextSeq,
		Kind: kind,
		At:   time.Now().UTC(),
		Data: raw,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return Entry{}, fmt.Errorf("queue: append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("queue: sync: %w", err)
	}
	l.nextSeq++
	return e, nil
}

// Replay returns every entry with Seq > after, in order. after = 0 replays
// the whole log.
func (l *Log) Replay(after int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.scan(after)
}

// LastSeq returns the sequence number of the most recent entry, 0 when the
// log is empty.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("queue: sync on close: %w", err)
	}
	return l.f.Close()
}

// scan reads the file with a separate read handle. Caller holds the lock (or
// is Open, before the log is shared).
func (l *Log) scan(after int64) ([]Entry, error) {
	var out []Entry
	_, _, err := scanFile(l.path, after, func(e Entry) {
		out = append(out, e)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scanFile walks the valid prefix of the JSONL file, invoking fn (when
// non-nil) for every entry with Seq > after. It returns the last valid
// sequence number and the byte length of the valid prefix; a line that fails
// to parse ends the walk.
func scanFile(path string, after int64, fn func(Entry)) (lastSeq, goodBytes int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("queue: open for replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			goodBytes++
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail from a crash mid-append. Nothing after it can
			// be valid.
			break
		}
		goodBytes += int64(len(line)) + 1
		lastSeq = e.Seq
		if fn != nil && e.Seq > after {
			fn(e)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("queue: scan: %w", err)
	}
	return lastSeq, goodBytes, nil
}
