package relay

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SessionStore decides which session ids the relay accepts.
type SessionStore interface {
	Exists(id string) bool
}

// StaticStore is a fixed allow-list.
type StaticStore map[string]struct{}

func NewStaticStore(ids ...string) StaticStore {
	s := make(StaticStore, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s StaticStore) Exists(id string) bool {
	_, ok := s[id]
	return ok
}

// FileStore is an allow-list read from a text file with one session id per
// line. Blank lines and lines starting with '#' are ignored. Reload re-reads
// the file; lookups see either the old or the new list, never a mix.
type FileStore struct {
	path string

	mu  sync.RWMutex
	ids map[string]struct{}
}

// LoadFileStore reads path into a new FileStore.
func LoadFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file. On error the previous list is kept.
func (s *FileStore) Reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open session list: %w", err)
	}
	defer f.Close()

	ids := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read session list: %w", err)
	}

	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()

	log.Info("loaded %d session id(s) from %s", len(ids), s.path)
	return nil
}

func (s *FileStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of allowed ids.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
