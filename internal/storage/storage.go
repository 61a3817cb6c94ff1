// Package storage implements split-file persistence for a campaign directory.
// Each entity category lives in its own JSON file; writes are content-hashed
// so unchanged files are skipped, and every write goes through a temp file,
// fsync, and rename. A write set stages all temp files before any rename so
// that a batch either starts committing with every file ready or not at all.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a requested file does not exist under the root.
var ErrNotFound = errors.New("storage: file not found")

// Split persists JSON documents as individual files under a campaign root.
// All writes on one Split are serialized; concurrent campaigns should use
// separate Split instances.
type Split struct {
	root string

	mu     sync.Mutex
	hashes map[string]string // relative path -> hex SHA-256 of last committed content
}

// NewSplit opens (creating if necessary) the campaign root directory.
func NewSplit(root string) (*Split, error) {
	if root == "" {
		return nil, errors.New("storage: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %q: %w", root, err)
	}
	return &Split{root: root, hashes: make(map[string]string)}, nil
}

// Root returns the campaign root directory.
func (s *Split) Root() string { return s.root }

// Encode serializes v the way every campaign file is written: UTF-8, stable
// key order, 2-space indent, trailing newline.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("storage: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Read unmarshals the file at rel into v. Returns [ErrNotFound] when the file
// does not exist.
func (s *Split) Read(rel string, v any) error {
	data, err := os.ReadFile(s.path(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: read %q: %w", rel, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: read %q: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: decode %q: %w", rel, err)
	}
	s.mu.Lock()
	s.hashes[rel] = ContentHash(data)
	s.mu.Unlock()
	return nil
}

// Exists reports whether the file at rel is present on disk.
func (s *Split) Exists(rel string) bool {
	_, err := os.Stat(s.path(rel))
	return err == nil
}

// Write persists v at rel. If the serialized content hashes identically to
// the last committed write of rel, the disk is not touched.
func (s *Split) Write(rel string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ContentHash(data)
	if s.hashes[rel] == hash {
		return nil
	}
	tmp, err := s.stage(rel, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(rel)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: commit %q: %w", rel, err)
	}
	s.hashes[rel] = hash
	return nil
}

// WriteSet commits a batch of files together: every staged temp file is
// written and fsynced before the first rename. A rename failure aborts the
// batch, removes the remaining temp files, and leaves already-renamed files
// in place; resume-time manifest validation detects the mix.
func (s *Split) WriteSet(files map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type staged struct {
		rel  string
		tmp  string
		hash string
	}

	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var batch []staged
	cleanup := func() {
		for _, st := range batch {
			os.Remove(st.tmp)
		}
	}
	for _, rel := range rels {
		data, err := Encode(files[rel])
		if err != nil {
			cleanup()
			return err
		}
		hash := ContentHash(data)
		if s.hashes[rel] == hash {
			continue
		}
		tmp, err := s.stage(rel, data)
		if err != nil {
			cleanup()
			return err
		}
		batch = append(batch, staged{rel: rel, tmp: tmp, hash: hash})
	}

	for i, st := range batch {
		if err := os.Rename(st.tmp, s.path(st.rel)); err != nil {
			for _, rest := range batch[i:] {
				os.Remove(rest.tmp)
			}
			return fmt.Errorf("storage: commit batch at %q: %w", st.rel, err)
		}
		s.hashes[st.rel] = st.hash
	}
	return nil
}

// Manifest returns the content hash of every tracked file, keyed by relative
// path. Only files that have been read or written through this Split appear.
func (s *Split) Manifest() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]string, len(s.hashes))
	for rel, h := range s.hashes {
		m[rel] = h
	}
	return m
}

// VerifyManifest re-hashes every file named in manifest against its on-disk
// content and returns the relative paths that do not match (missing files
// count as mismatches). An empty result means the directory is consistent
// with the manifest.
func (s *Split) VerifyManifest(manifest map[string]string) ([]string, error) {
	var mismatched []string
	for rel, want := range manifest {
		data, err := os.ReadFile(s.path(rel))
		if errors.Is(err, fs.ErrNotExist) {
			mismatched = append(mismatched, rel)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: verify %q: %w", rel, err)
		}
		if ContentHash(data) != want {
			mismatched = append(mismatched, rel)
		}
	}
	sort.Strings(mismatched)
	return mismatched, nil
}

// stage writes data to a temp file next to rel and fsyncs it. Returns the
// temp path. Caller holds s.mu.
func (s *Split) stage(rel string, data []byte) (string, error) {
	target := s.path(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("storage: create dir for %q: %w", rel, err)
	}
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: stage %q: %w", rel, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("storage: stage %q: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("storage: fsync %q: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storage: stage %q: %w", rel, err)
	}
	return tmp, nil
}

func (s *Split) path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}
