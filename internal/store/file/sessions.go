// Package file is the standalone session directory backend: one JSON file
// per session key under a storage directory, written atomically.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// FileSessionStore implements store.SessionStore on the local filesystem.
type FileSessionStore struct {
	dir     string
	mu      sync.RWMutex
	entries map[string]*store.SessionEntry
}

// NewFileSessionStore opens (and creates if needed) the storage directory
// and loads all existing entries into memory.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &FileSessionStore{
		dir:     dir,
		entries: make(map[string]*store.SessionEntry),
	}
	s.loadAll()
	return s, nil
}

func (s *FileSessionStore) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var entry store.SessionEntry
		if err := json.Unmarshal(data, &entry); err != nil || entry.Key == "" {
			continue
		}
		s.entries[entry.Key] = &entry
	}
}

func (s *FileSessionStore) GetOrCreate(key string) store.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return *e
	}
	now := time.Now()
	e := &store.SessionEntry{Key: key, Created: now, Updated: now}
	s.entries[key] = e
	return *e
}

func (s *FileSessionStore) Get(key string) (store.SessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok {
		return *e, true
	}
	return store.SessionEntry{}, false
}

func (s *FileSessionStore) SetSessionID(key, sessionID string) {
	s.mutate(key, func(e *store.SessionEntry) { e.SessionID = sessionID })
}

func (s *FileSessionStore) SetLabel(key, label string) {
	s.mutate(key, func(e *store.SessionEntry) { e.Label = label })
}

func (s *FileSessionStore) SetLastRoute(key string, route store.RouteInfo) {
	s.mutate(key, func(e *store.SessionEntry) { e.LastRoute = route })
}

func (s *FileSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.mutate(key, func(e *store.SessionEntry) {
		e.SpawnedBy = spawnedBy
		e.SpawnDepth = depth
	})
}

func (s *FileSessionStore) mutate(key string, fn func(*store.SessionEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	fn(e)
	e.Updated = time.Now()
}

func (s *FileSessionStore) ResolveLabel(label, agentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := agentPrefix(agentID)
	for key, e := range s.entries {
		if e.Label == "" || !strings.EqualFold(e.Label, label) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		return key, true
	}
	return "", false
}

func (s *FileSessionStore) LastRoute(key string) (store.RouteInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.LastRoute.Empty() {
		return store.RouteInfo{}, false
	}
	return e.LastRoute, true
}

func (s *FileSessionStore) LastUsedRoute(agentID string) (store.RouteInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := agentPrefix(agentID)
	var best *store.SessionEntry
	for key, e := range s.entries {
		if e.LastRoute.Empty() {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		if best == nil || e.Updated.After(best.Updated) {
			best = e
		}
	}
	if best == nil {
		return store.RouteInfo{}, false
	}
	return best.LastRoute, true
}

func (s *FileSessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileSessionStore) List(agentID string) []store.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := agentPrefix(agentID)
	var result []store.SessionInfo
	for key, e := range s.entries {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, store.SessionInfo{
			Key:     key,
			Label:   e.Label,
			Created: e.Created,
			Updated: e.Updated,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Updated.After(result[j].Updated) })
	return result
}

func (s *FileSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := s.List(opts.AgentID)
	total := len(all)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return store.SessionListResult{Sessions: all[start:end], Total: total}
}

// Save writes the entry atomically: temp file in the same directory, fsync,
// then rename over the target.
func (s *FileSessionStore) Save(key string) error {
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *e
	s.mu.RUnlock()

	path, err := s.entryPath(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-session-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// entryPath maps a session key to a filename, replacing ':' so keys are
// valid on every filesystem, and refuses keys that would escape the dir.
func (s *FileSessionStore) entryPath(key string) (string, error) {
	name := strings.ReplaceAll(key, ":", "_") + ".json"
	path := filepath.Join(s.dir, name)
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return "", fmt.Errorf("invalid session key %q", key)
	}
	return path, nil
}

func agentPrefix(agentID string) string {
	if agentID == "" {
		return ""
	}
	return "agent:" + strings.ToLower(agentID) + ":"
}
