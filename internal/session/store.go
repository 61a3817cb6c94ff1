package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/storage"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/knowledge"
	"github.com/MrWong99/claudmaster/internal/world/timeline"
)

// World is the serialized aggregate of the session's world state, written
// to state_snapshot.json.
type World struct {
	Facts     []fact.Fact        `json:"facts"`
	Knowledge []knowledge.Record `json:"knowledge"`
	Timeline  []timeline.Entry   `json:"timeline"`
}

// Default auto-save cadence: snapshot every N applied turns or when the
// last snapshot is older than the max age, whichever comes first.
const (
	DefaultAutoSaveEveryN = 5
	DefaultAutoSaveMaxAge = 2 * time.Minute
)

// sessionsDir is the per-session state directory under the campaign root.
const sessionsDir = "claudmaster_sessions"

// summaryDir holds the per-session summary snapshots.
const summaryDir = "sessions"

// meta is the session_meta.json document: the session plus the snapshot
// manifest that lets resume detect a partially committed save.
type meta struct {
	Session         Session           `json:"session"`
	SnapshotVersion int               `json:"snapshot_version"`
	SavedAt         time.Time         `json:"saved_at"`
	Manifest        map[string]string `json:"manifest"`
}

// Option configures a [Store].
type Option func(*Store)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithAutoSave overrides the snapshot cadence. everyN <= 0 disables the
// turn-count trigger; maxAge <= 0 disables the age trigger.
func WithAutoSave(everyN int, maxAge time.Duration) Option {
	return func(s *Store) {
		s.autoSaveEveryN = everyN
		s.autoSaveMaxAge = maxAge
	}
}

// cadence tracks when one session last snapshotted.
type cadence struct {
	turnsSince int
	lastSaveAt time.Time
	version    int
}

// Store persists sessions under one campaign root. Safe for concurrent use;
// writes for one campaign are serialized by the underlying [storage.Split].
type Store struct {
	split          *storage.Split
	log            *slog.Logger
	autoSaveEveryN int
	autoSaveMaxAge time.Duration

	mu       sync.Mutex
	cadences map[string]*cadence
}

// NewStore creates a session store over the campaign's split storage.
func NewStore(split *storage.Split, opts ...Option) *Store {
	s := &Store{
		split:          split,
		log:            slog.Default(),
		autoSaveEveryN: DefaultAutoSaveEveryN,
		autoSaveMaxAge: DefaultAutoSaveMaxAge,
		cadences:       make(map[string]*cadence),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func metaPath(id string) string     { return sessionsDir + "/" + id + "/session_meta.json" }
func snapshotPath(id string) string { return sessionsDir + "/" + id + "/state_snapshot.json" }
func historyPath(id string) string  { return sessionsDir + "/" + id + "/action_history.json" }

func prevPath(rel string) string {
	return strings.TrimSuffix(rel, ".json") + ".prev.json"
}

// Create persists snapshot v0 for a fresh session and transitions it to
// active.
func (s *Store) Create(sess *Session, world World) error {
	if sess.ID == "" {
		return errors.New("session: create with empty id")
	}
	sess.Status = StatusActive
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Number == 0 {
		n, err := s.nextNumber()
		if err != nil {
			return err
		}
		sess.Number = n
	}
	return s.snapshot(sess, world)
}

// RecordTurn appends one resolved action to the session history and
// snapshots when the auto-save cadence is due. A storage failure is wrapped
// in [PersistenceError] and marks the session degraded.
func (s *Store) RecordTurn(sess *Session, rec ActionRecord, world World) error {
	if err := sess.AcceptsActions(); err != nil {
		return err
	}
	sess.ActionHistory = append(sess.ActionHistory, rec)
	sess.TurnCounter++
	sess.LastActionAt = time.Now().UTC()

	s.mu.Lock()
	c := s.cadences[sess.ID]
	if c == nil {
		c = &cadence{}
		s.cadences[sess.ID] = c
	}
	c.turnsSince++
	due := (s.autoSaveEveryN > 0 && c.turnsSince >= s.autoSaveEveryN) ||
		(s.autoSaveMaxAge > 0 && !c.lastSaveAt.IsZero() && time.Since(c.lastSaveAt) >= s.autoSaveMaxAge)
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.snapshot(sess, world)
}

// Snapshot forces a snapshot regardless of cadence.
func (s *Store) Snapshot(sess *Session, world World) error {
	return s.snapshot(sess, world)
}

// Pause transitions active → paused with a forced snapshot.
func (s *Store) Pause(sess *Session, world World) error {
	if sess.Status != StatusActive {
		return fmt.Errorf("session %s: pause from %q: %w", sess.ID, sess.Status, ErrNotActive)
	}
	sess.Status = StatusPaused
	return s.snapshot(sess, world)
}

// Resume transitions paused → active with a forced snapshot. Callers load
// the session first; Resume only flips the persisted status.
func (s *Store) Resume(sess *Session, world World) error {
	switch sess.Status {
	case StatusPaused, StatusActive:
		// Resuming an already-active session after crash recovery is legal.
	case StatusEnded:
		return fmt.Errorf("session %s: resume: %w", sess.ID, ErrEnded)
	default:
		return fmt.Errorf("session %s: resume from %q: %w", sess.ID, sess.Status, ErrNotActive)
	}
	sess.Status = StatusActive
	return s.snapshot(sess, world)
}

// End transitions the session to ended, records the final notes, snapshots,
// and writes the campaign-level session-NNN.json summary.
func (s *Store) End(sess *Session, summary string, world World) error {
	if sess.Status == StatusEnded {
		return fmt.Errorf("session %s: end: %w", sess.ID, ErrEnded)
	}
	sess.Status = StatusEnded
	sess.FinalNotes = summary
	if err := s.snapshot(sess, world); err != nil {
		return err
	}
	summaryRel := fmt.Sprintf("%s/session-%03d.json", summaryDir, sess.Number)
	doc := map[string]any{
		"id":          sess.ID,
		"campaign_id": sess.CampaignID,
		"number":      sess.Number,
		"started_at":  sess.StartedAt,
		"ended_at":    time.Now().UTC(),
		"turns":       sess.TurnCounter,
		"actions":     len(sess.ActionHistory),
		"final_notes": sess.FinalNotes,
	}
	if err := s.split.Write(summaryRel, doc); err != nil {
		return &PersistenceError{SessionID: sess.ID, Op: "session summary", Err: err}
	}
	return nil
}

// Recover retries a snapshot for a degraded session and clears the flag on
// success.
func (s *Store) Recover(sess *Session, world World) error {
	degraded := sess.Degraded
	sess.Degraded = false
	if err := s.snapshot(sess, world); err != nil {
		sess.Degraded = degraded
		return err
	}
	s.log.Info("session recovered", "session_id", sess.ID)
	return nil
}

// Load restores a session from disk. When the snapshot manifest does not
// match the on-disk content (a crash between renames), Load rolls back to
// the previous good snapshot, heals the main files, and returns a
// [RecoveryWarning] alongside the restored state.
func (s *Store) Load(id string) (*Session, World, *RecoveryWarning, error) {
	var m meta
	if err := s.split.Read(metaPath(id), &m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, World{}, nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, World{}, nil, err
	}

	mismatched, err := s.split.VerifyManifest(m.Manifest)
	if err != nil {
		return nil, World{}, nil, err
	}
	if len(mismatched) == 0 {
		sess, world, err := s.loadState(id, m, snapshotPath(id), historyPath(id))
		if err != nil {
			return nil, World{}, nil, err
		}
		s.noteLoaded(id, m.SnapshotVersion)
		return sess, world, nil, nil
	}

	s.log.Warn("snapshot manifest mismatch, rolling back",
		"session_id", id, "mismatched", mismatched)

	var prev meta
	if err := s.split.Read(prevPath(metaPath(id)), &prev); err != nil {
		return nil, World{}, nil, fmt.Errorf("session %q: no good snapshot to roll back to: %w", id, err)
	}
	sess, world, err := s.loadState(id, prev, prevPath(snapshotPath(id)), prevPath(historyPath(id)))
	if err != nil {
		return nil, World{}, nil, err
	}
	s.noteLoaded(id, prev.SnapshotVersion)

	// Heal: rewrite the main files from the recovered state so the next
	// manifest verification passes. The .prev files must not be overwritten
	// from the corrupted main files here.
	if err := s.snapshotKeepPrev(sess, world); err != nil {
		return nil, World{}, nil, err
	}
	warning := &RecoveryWarning{
		SessionID:    id,
		Mismatched:   mismatched,
		RolledBackTo: prev.SnapshotVersion,
	}
	return sess, world, warning, nil
}

// List returns the ids of every persisted session, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.split.Root(), sessionsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// loadState reads the snapshot and history files backing m.
func (s *Store) loadState(id string, m meta, snapRel, histRel string) (*Session, World, error) {
	var world World
	if err := s.split.Read(snapRel, &world); err != nil {
		return nil, World{}, fmt.Errorf("session %q: snapshot: %w", id, err)
	}
	var history []ActionRecord
	if err := s.split.Read(histRel, &history); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, World{}, fmt.Errorf("session %q: history: %w", id, err)
	}
	sess := m.Session
	sess.ActionHistory = history
	return &sess, world, nil
}

// snapshot commits meta, world, and history as one write set, preserving the
// previous committed snapshot in .prev files for rollback.
func (s *Store) snapshot(sess *Session, world World) error {
	return s.commit(sess, world, true)
}

// snapshotKeepPrev commits without touching the .prev files. Used while
// healing after a rollback, when the main files hold corrupted state.
func (s *Store) snapshotKeepPrev(sess *Session, world World) error {
	return s.commit(sess, world, false)
}

func (s *Store) commit(sess *Session, world World, preserve bool) error {
	id := sess.ID

	s.mu.Lock()
	c := s.cadences[id]
	if c == nil {
		c = &cadence{}
		s.cadences[id] = c
	}
	version := c.version + 1
	s.mu.Unlock()

	snapRel := snapshotPath(id)
	histRel := historyPath(id)

	snapData, err := storage.Encode(world)
	if err != nil {
		return &PersistenceError{SessionID: id, Op: "encode snapshot", Err: err}
	}
	histData, err := storage.Encode(sess.ActionHistory)
	if err != nil {
		return &PersistenceError{SessionID: id, Op: "encode history", Err: err}
	}

	m := meta{
		Session:         *sess,
		SnapshotVersion: version,
		SavedAt:         time.Now().UTC(),
		Manifest: map[string]string{
			snapRel: storage.ContentHash(snapData),
			histRel: storage.ContentHash(histData),
		},
	}

	files := map[string]any{
		metaPath(id): m,
		snapRel:      world,
		histRel:      sess.ActionHistory,
	}

	// Preserve the last committed snapshot for rollback before overwriting.
	if preserve && version > 1 {
		if err := s.preservePrev(id); err != nil {
			return &PersistenceError{SessionID: id, Op: "preserve previous snapshot", Err: err}
		}
	}
	if err := s.split.WriteSet(files); err != nil {
		sess.Degraded = true
		return &PersistenceError{SessionID: id, Op: "write snapshot", Err: err}
	}

	s.mu.Lock()
	c.version = version
	c.turnsSince = 0
	c.lastSaveAt = time.Now()
	s.mu.Unlock()

	s.log.Debug("session snapshot committed", "session_id", id, "version", version)
	return nil
}

// preservePrev copies the committed meta, snapshot, and history to their
// .prev counterparts, rewriting the preserved manifest to point at the
// .prev paths so rollback verification works against them.
func (s *Store) preservePrev(id string) error {
	var committed meta
	if err := s.split.Read(metaPath(id), &committed); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	prevManifest := make(map[string]string, len(committed.Manifest))
	for rel, hash := range committed.Manifest {
		prevManifest[prevPath(rel)] = hash
	}
	committed.Manifest = prevManifest

	var world World
	if err := s.split.Read(snapshotPath(id), &world); err != nil {
		return err
	}
	var history []ActionRecord
	if err := s.split.Read(historyPath(id), &history); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.split.WriteSet(map[string]any{
		prevPath(metaPath(id)):     committed,
		prevPath(snapshotPath(id)): world,
		prevPath(historyPath(id)):  history,
	})
}

// noteLoaded seeds the cadence tracker after a load so the next snapshot
// version continues the sequence.
func (s *Store) noteLoaded(id string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cadences[id]
	if c == nil {
		c = &cadence{}
		s.cadences[id] = c
	}
	if c.version < version {
		c.version = version
	}
	c.lastSaveAt = time.Now()
}

// nextNumber allocates the next campaign-relative session ordinal by
// scanning the existing per-session directories.
func (s *Store) nextNumber() (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(ids) + 1, nil
}
