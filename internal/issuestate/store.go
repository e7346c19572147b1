// Package issuestate is the durable substrate for per-issue state: atomic
// read/write of issue.json, tasks.json, and progress.txt, with a small
// in-memory cache keyed by (path, mtime, content hash) so repeat reads
// within an iteration are served from the last decoded value.
//
// Writes go through a temp file, rename, and parent-directory fsync, so
// readers see either the old or the new document and a crash mid-write
// never loses the rename.
package issuestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	issueFileName    = "issue.json"
	tasksFileName    = "tasks.json"
	progressFileName = "progress.txt"
)

type cacheEntry struct {
	mtime time.Time
	hash  uint64
	value any
}

// Store provides atomic, cached access to a single issue's state
// directory. One Store instance should be shared by all callers operating
// on the same stateDir within a process; cross-process serialization is
// the Operation Lock's job (internal/oplock), not this type's.
type Store struct {
	mu      sync.Mutex
	caches  map[string]cacheEntry // keyed by absolute file path
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{caches: make(map[string]cacheEntry)}
}

// ReadIssueJson reads issue.json from stateDir. Returns (nil, nil) if the
// file does not exist — "readIssueJson(stateDir) → IssueJson|null".
func (s *Store) ReadIssueJson(stateDir string) (*IssueJson, error) {
	var ij IssueJson
	ok, err := s.readCached(filepath.Join(stateDir, issueFileName), &ij)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &ij, nil
}

// WriteIssueJson atomically writes issue.json to stateDir.
func (s *Store) WriteIssueJson(stateDir string, ij *IssueJson) error {
	return s.writeJSONAtomic(filepath.Join(stateDir, issueFileName), ij)
}

// ReadIssueJsonUpdatedAtMs returns the modification time of issue.json in
// milliseconds since epoch, for cheap freshness checks. Returns 0 if the
// file does not exist.
func (s *Store) ReadIssueJsonUpdatedAtMs(stateDir string) (int64, error) {
	info, err := os.Stat(filepath.Join(stateDir, issueFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("issuestate: stat issue.json: %w", err)
	}
	return info.ModTime().UnixMilli(), nil
}

// ReadTasksJson reads tasks.json from stateDir. Returns (nil, nil) if the
// file does not exist.
func (s *Store) ReadTasksJson(stateDir string) (*TasksJson, error) {
	var tj TasksJson
	ok, err := s.readCached(filepath.Join(stateDir, tasksFileName), &tj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &tj, nil
}

// WriteTasksJson atomically writes tasks.json to stateDir.
func (s *Store) WriteTasksJson(stateDir string, tj *TasksJson) error {
	return s.writeJSONAtomic(filepath.Join(stateDir, tasksFileName), tj)
}

// WriteJsonAtomic writes an arbitrary JSON-serializable value atomically to
// path, with the same temp+rename+fsync discipline as the named documents.
func (s *Store) WriteJsonAtomic(path string, v any) error {
	return s.writeJSONAtomic(path, v)
}

// AppendProgress appends a timestamped line to progress.txt under stateDir.
func (s *Store) AppendProgress(stateDir, text string) error {
	path := filepath.Join(stateDir, progressFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("issuestate: append progress: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("issuestate: append progress: open: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("issuestate: append progress: write: %w", err)
	}
	return f.Sync()
}

// readCached reads and JSON-decodes path into out, serving the cached
// value when the file's mtime and content hash are both unchanged since
// the last read. The hash check catches rewrites that land within the same
// mtime-resolution tick (another process replacing the file between two of
// our reads), which mtime alone cannot see. A cache hit still reads the
// file to hash it, and copies the cached value into out by re-encoding it
// to JSON and decoding that. Returns ok=false if the file does not exist.
func (s *Store) readCached(path string, out any) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("issuestate: stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("issuestate: read %s: %w", path, err)
	}
	hash := xxhash.Sum64(data)

	s.mu.Lock()
	entry, hit := s.caches[path]
	s.mu.Unlock()

	if hit && entry.mtime.Equal(info.ModTime()) && entry.hash == hash {
		b, err := json.Marshal(entry.value)
		if err != nil {
			return false, fmt.Errorf("issuestate: re-marshal cached %s: %w", path, err)
		}
		if err := json.Unmarshal(b, out); err != nil {
			return false, fmt.Errorf("issuestate: decode cached %s: %w", path, err)
		}
		return true, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("issuestate: decode %s: %w", path, err)
	}

	s.mu.Lock()
	s.caches[path] = cacheEntry{mtime: info.ModTime(), hash: hash, value: out}
	s.mu.Unlock()

	return true, nil
}

// writeJSONAtomic marshals v and writes it to path via temp-file + rename +
// directory fsync, so a crash mid-write never leaves a partial file and the
// rename itself is durable.
func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("issuestate: write %s: mkdir: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("issuestate: write %s: marshal: %w", path, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("issuestate: write %s: create temp: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("issuestate: write %s: write temp: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("issuestate: write %s: sync temp: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("issuestate: write %s: close temp: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("issuestate: write %s: rename: %w", path, err)
	}

	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("issuestate: write %s: fsync dir: %w", path, err)
	}

	s.mu.Lock()
	delete(s.caches, path)
	s.mu.Unlock()

	return nil
}

// fsyncDir opens dir and syncs it so a prior rename into it is durable
// across a crash, even on filesystems where file fsync alone does not
// guarantee the directory entry survives.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some platforms/filesystems (notably Windows and some tmpfs
		// mounts) reject fsync on directory handles; that is not a
		// correctness problem this package can do anything about.
		// Anything else (EIO and friends) is a real durability failure
		// and must reach the caller.
		if os.IsPermission(err) {
			return nil
		}
		return err
	}
	return nil
}
