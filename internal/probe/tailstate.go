package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// TailStateFile is the name of the saved log positions inside the log
// directory.
const TailStateFile = "tail-offsets.json"

// TailPosition is how far a followed log file has been consumed. Dev and
// Inode identify the file the offset belongs to, so a rotated log is read
// from its start.
type TailPosition struct {
	Dev    uint64 `json:"dev"`
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// TailState remembers positions of followed log files.
type TailState interface {
	Load(path string) (TailPosition, bool, error)
	Save(path string, pos TailPosition) error
}

// memoryTailState keeps positions for the life of the process.
type memoryTailState struct {
	mu        sync.Mutex
	positions map[string]TailPosition
}

func newMemoryTailState() *memoryTailState {
	return &memoryTailState{positions: make(map[string]TailPosition)}
}

func (m *memoryTailState) Load(path string) (TailPosition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[path]
	return pos, ok, nil
}

func (m *memoryTailState) Save(path string, pos TailPosition) error {
	m.mu.Lock()
	m.positions[path] = pos
	m.mu.Unlock()
	return nil
}

// FileTailState keeps positions in a JSON file so that a process started by
// an external timer resumes where the previous one stopped. The file is
// re-read on every Load, so a long-running daemon also sees positions
// advanced by one-shot runs in between.
type FileTailState struct {
	path string
	mu   sync.Mutex
}

// NewFileTailState returns a state backed by path.
func NewFileTailState(path string) *FileTailState {
	return &FileTailState{path: path}
}

// Load implements TailState.
func (s *FileTailState) Load(path string) (TailPosition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return TailPosition{}, false, err
	}
	pos, ok := all[path]
	return pos, ok, nil
}

// Save implements TailState.
func (s *FileTailState) Save(path string, pos TailPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		// An unreadable file is replaced.
		all = make(map[string]TailPosition)
	}
	all[path] = pos
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tail positions: %w", err)
	}
	return replaceFile(s.path, append(data, '\n'))
}

func (s *FileTailState) read() (map[string]TailPosition, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]TailPosition), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tail positions: %w", err)
	}
	all := make(map[string]TailPosition)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return all, nil
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}

// fileID returns the device and inode of fi.
func fileID(fi os.FileInfo) (dev, ino uint64) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev), uint64(st.Ino)
	}
	return 0, 0
}
