// Package marker records job completion as sentinel files placed next to each
// job's primary output. A marker is written only after the job body returned
// success and every declared output exists; its presence is the sole evidence
// that a job is done.
package marker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Suffix is appended to a job's primary output to name its marker.
const Suffix = ".done"

var (
	// ErrNotFound is returned by Read when no marker exists.
	ErrNotFound = errors.New("marker not found")

	// ErrInvalid is returned by Read when a marker exists but cannot be decoded.
	ErrInvalid = errors.New("invalid marker")
)

// PathFor returns the marker path for a primary output path.
func PathFor(primary string) string {
	return primary + Suffix
}

// Record is the body of a marker file.
type Record struct {
	JobID       string    `json:"job_id"`
	Rule        string    `json:"rule"`
	Outputs     []string  `json:"outputs"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store reads and writes markers under a root directory. Relative primary
// paths are resolved against the root. Concurrent writers for different
// markers never block each other.
type Store struct {
	root  string
	locks *pathLocks
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, locks: newPathLocks()}
}

// Path returns the on-disk marker location for primary.
func (s *Store) Path(primary string) string {
	if filepath.IsAbs(primary) || s.root == "" {
		return PathFor(primary)
	}
	return PathFor(filepath.Join(s.root, primary))
}

// Write durably records completion for the job whose primary output is primary.
// The file is replaced atomically so a reader sees either the old marker or the
// new one, never a partial write.
func (s *Store) Write(primary string, rec Record) error {
	if primary == "" {
		return errors.New("primary output is required")
	}
	if rec.JobID == "" {
		return errors.New("job id is required")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	if rec.Outputs == nil {
		rec.Outputs = []string{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	data = append(data, '\n')

	path := s.Path(primary)
	defer s.locks.acquire(path)()

	if err := writeFileAtomicDurable(path, data, 0o644); err != nil {
		return fmt.Errorf("write marker %s: %w", path, err)
	}
	return nil
}

// Read loads the marker for primary. It returns ErrNotFound when the marker is
// absent and ErrInvalid when it exists but is empty or malformed.
func (s *Store) Read(primary string) (Record, error) {
	path := s.Path(primary)
	defer s.locks.acquire(path)()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return Record{}, fmt.Errorf("read marker %s: %w", path, err)
	}

	var rec Record
	if len(bytes.TrimSpace(data)) == 0 {
		return Record{}, fmt.Errorf("%s: empty file: %w", path, ErrInvalid)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%s: %v: %w", path, err, ErrInvalid)
	}
	if rec.JobID == "" {
		return Record{}, fmt.Errorf("%s: missing job_id: %w", path, ErrInvalid)
	}
	return rec, nil
}

// Exists reports whether a marker file is present, without decoding it.
func (s *Store) Exists(primary string) bool {
	_, err := os.Stat(s.Path(primary))
	return err == nil
}

// Remove deletes the marker for primary. Removing an absent marker is not an error.
func (s *Store) Remove(primary string) error {
	path := s.Path(primary)
	defer s.locks.acquire(path)()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", path, err)
	}
	return nil
}

// RemoveAll deletes the markers for every primary output, holding all of
// their locks for the duration. Errors are collected rather than aborting.
func (s *Store) RemoveAll(primaries []string) error {
	paths := make([]string, 0, len(primaries))
	for _, p := range primaries {
		paths = append(paths, s.Path(p))
	}

	defer s.locks.acquireAll(paths)()

	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove marker %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
