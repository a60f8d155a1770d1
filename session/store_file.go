package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const sessionFile = "session.json"

// FileStore keeps the slots in a JSON file readable only by the owner.
// Commits rewrite the whole file through a rename, so a crash leaves either
// the old or the new document and never a mix.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at dir, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrStorageUnavailable, dir, err)
	}
	return &FileStore{path: filepath.Join(dir, sessionFile)}, nil
}

// Path returns the location of the session document.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := slots[key]
	if !ok || v == "" {
		return "", ErrSlotEmpty
	}
	return v, nil
}

func (s *FileStore) Commit(changes ...Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, err := s.read()
	if err != nil {
		return err
	}
	for _, c := range changes {
		if c.Clear {
			delete(slots, c.Key)
			continue
		}
		slots[c.Key] = c.Value
	}
	return s.write(slots)
}

func (s *FileStore) read() (map[Key]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[Key]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading session file: %v", ErrStorageUnavailable, err)
	}
	slots := make(map[Key]string)
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, fmt.Errorf("%w: decoding session file: %v", ErrStorageUnavailable, err)
	}
	return slots, nil
}

func (s *FileStore) write(slots map[Key]string) error {
	data, err := json.MarshalIndent(slots, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding session file: %v", ErrStorageUnavailable, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing session file: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%w: replacing session file: %v", ErrStorageUnavailable, err)
	}
	return nil
}
