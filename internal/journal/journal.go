// Package journal persists readings and corrective actions as append-only,
// newline-delimited JSON logs and serves read-only queries over them.
//
// Each category has its own file, <dir>/<category>.log, and actions go to
// <dir>/actions.log. One process writes; any number of processes may read.
// Readers only consume complete lines, so a record that is still being
// written is invisible until its trailing newline lands.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jamesprial/raspi-doctor/internal/health"
)

// ActionsFile is the name of the action audit log inside the journal directory.
const ActionsFile = "actions.log"

// chunkSize is how much a backward scan reads per step.
const chunkSize = 64 * 1024

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("journal: store is closed")

	// ErrUnknownCategory is returned for a category with no log file.
	ErrUnknownCategory = errors.New("journal: unknown category")
)

// Store is the on-disk journal. Writes are serialised by a mutex and each
// record is emitted with a single write on an O_APPEND descriptor.
type Store struct {
	dir string

	mu     sync.Mutex
	files  map[string]*os.File
	closed bool
}

// Open prepares dir for use as a journal directory.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("journal: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Store{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the journal directory.
func (s *Store) Dir() string { return s.dir }

// CategoryPath returns the log file for cat.
func (s *Store) CategoryPath(cat health.Category) string {
	return filepath.Join(s.dir, string(cat)+".log")
}

// ActionsPath returns the action audit log file.
func (s *Store) ActionsPath() string {
	return filepath.Join(s.dir, ActionsFile)
}

// AppendReading appends r to its category log.
func (s *Store) AppendReading(r health.Reading) error {
	if !r.Category.Valid() {
		return fmt.Errorf("%w %q from probe %s", ErrUnknownCategory, r.Category, r.Probe)
	}
	return s.append(s.CategoryPath(r.Category), r)
}

// AppendAction appends a to the action audit log.
func (s *Store) AppendAction(a health.Action) error {
	return s.append(s.ActionsPath(), a)
}

func (s *Store) append(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	f, ok := s.files[path]
	if !ok {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("journal: open %s: %w", path, err)
		}
		s.files[path] = f
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	return nil
}

// Close releases every open log file. Reads keep working after Close.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for path, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, path)
	}
	return errors.Join(errs...)
}

// Latest returns the most recent reading of cat. The boolean is false when
// the category has no readings yet.
func (s *Store) Latest(cat health.Category) (health.Reading, bool, error) {
	rs, err := s.History(cat, 1)
	if err != nil || len(rs) == 0 {
		return health.Reading{}, false, err
	}
	return rs[0], true, nil
}

// History returns up to the last n readings of cat, oldest first.
func (s *Store) History(cat health.Category, n int) ([]health.Reading, error) {
	return s.readings(cat, n, func(health.Reading) bool { return true })
}

// ProbeHistory returns up to the last n readings produced by probe in cat,
// oldest first.
func (s *Store) ProbeHistory(cat health.Category, probe string, n int) ([]health.Reading, error) {
	return s.readings(cat, n, func(r health.Reading) bool { return r.Probe == probe })
}

func (s *Store) readings(cat health.Category, n int, keep func(health.Reading) bool) ([]health.Reading, error) {
	if !cat.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownCategory, cat)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]health.Reading, 0, min(n, 256))
	err := scanBackward(s.CategoryPath(cat), func(line []byte) bool {
		var r health.Reading
		if json.Unmarshal(line, &r) != nil || !keep(r) {
			return true
		}
		out = append(out, r)
		return len(out) < n
	})
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// RecentActions returns up to the last limit actions, oldest first.
func (s *Store) RecentActions(limit int) ([]health.Action, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]health.Action, 0, min(limit, 256))
	err := scanBackward(s.ActionsPath(), func(line []byte) bool {
		var a health.Action
		if json.Unmarshal(line, &a) != nil {
			return true
		}
		out = append(out, a)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// scanBackward calls fn with each complete line of path, last line first,
// until fn returns false or the start of the file is reached. Bytes after
// the final newline belong to a record still being written and are
// skipped. A missing file has no lines.
func scanBackward(path string, fn func(line []byte) bool) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat %s: %w", path, err)
	}

	pos := fi.Size()
	var carry []byte
	sawNewline := false
	for pos > 0 {
		n := min(int64(chunkSize), pos)
		pos -= n
		size := int(n)
		chunk := make([]byte, size, size+len(carry))
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return fmt.Errorf("journal: read %s: %w", path, err)
		}
		buf := append(chunk, carry...)

		if !sawNewline {
			i := bytes.LastIndexByte(buf, '\n')
			if i < 0 {
				carry = nil
				continue
			}
			buf = buf[:i]
			sawNewline = true
		}

		for {
			i := bytes.LastIndexByte(buf, '\n')
			if i < 0 {
				break
			}
			if line := bytes.TrimSpace(buf[i+1:]); len(line) > 0 && !fn(line) {
				return nil
			}
			buf = buf[:i]
		}
		carry = buf
	}
	if line := bytes.TrimSpace(carry); sawNewline && len(line) > 0 {
		fn(line)
	}
	return nil
}
