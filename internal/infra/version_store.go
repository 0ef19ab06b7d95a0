package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

// VersionsFileName is the JSON version table inside the data directory.
const VersionsFileName = "versions.json"

// JSONVersionStore implements domain.VersionStore with a JSON file.
// Writes are atomic and serialized across processes with a flock, so the
// CLI can roll back while a kernel is running.
type JSONVersionStore struct {
	mu   sync.Mutex
	path string
}

// NewJSONVersionStore creates a store backed by path.
func NewJSONVersionStore(path string) *JSONVersionStore {
	return &JSONVersionStore{path: path}
}

// Load returns the stored table, or an empty table if the file does not exist.
func (s *JSONVersionStore) Load() (*domain.VersionTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := domain.NewVersionTable()
	if err := ReadJSON(s.path, table); err != nil {
		if os.IsNotExist(err) {
			return domain.NewVersionTable(), nil
		}
		return nil, fmt.Errorf("failed to read version table: %w", err)
	}
	table.Normalize()
	return table, nil
}

// Save replaces the stored table.
func (s *JSONVersionStore) Save(table *domain.VersionTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := WriteJSONAtomic(s.path, table); err != nil {
		return fmt.Errorf("failed to write version table: %w", err)
	}
	return nil
}

// lock takes an exclusive flock on <path>.lock.
func (s *JSONVersionStore) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// Location returns the file path.
func (s *JSONVersionStore) Location() string {
	return s.path
}

// Close is a no-op.
func (s *JSONVersionStore) Close() error {
	return nil
}

var _ domain.VersionStore = (*JSONVersionStore)(nil)
