// Package pg is the managed-mode session directory backend: Postgres with a
// write-through in-memory cache for hot entries.
package pg

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*store.SessionEntry
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{
		db:    db,
		cache: make(map[string]*store.SessionEntry),
	}
}

func (s *PGSessionStore) GetOrCreate(key string) store.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getOrInitLocked(key)
}

func (s *PGSessionStore) Get(key string) (store.SessionEntry, bool) {
	s.mu.RLock()
	if e, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return *e, true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache[key]; ok {
		return *e, true
	}
	e := s.loadFromDB(key)
	if e == nil {
		return store.SessionEntry{}, false
	}
	s.cache[key] = e
	return *e, true
}

func (s *PGSessionStore) SetSessionID(key, sessionID string) {
	s.mutate(key, func(e *store.SessionEntry) { e.SessionID = sessionID })
}

func (s *PGSessionStore) SetLabel(key, label string) {
	s.mutate(key, func(e *store.SessionEntry) { e.Label = label })
}

func (s *PGSessionStore) SetLastRoute(key string, route store.RouteInfo) {
	s.mutate(key, func(e *store.SessionEntry) { e.LastRoute = route })
}

func (s *PGSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.mutate(key, func(e *store.SessionEntry) {
		e.SpawnedBy = spawnedBy
		e.SpawnDepth = depth
	})
}

func (s *PGSessionStore) mutate(key string, fn func(*store.SessionEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		if e = s.loadFromDB(key); e == nil {
			return
		}
		s.cache[key] = e
	}
	fn(e)
	e.Updated = time.Now()
}

func (s *PGSessionStore) ResolveLabel(label, agentID string) (string, bool) {
	q := "SELECT session_key FROM sessions WHERE LOWER(label) = LOWER($1)"
	args := []interface{}{label}
	if agentID != "" {
		q += " AND session_key LIKE $2"
		args = append(args, "agent:"+strings.ToLower(agentID)+":%")
	}
	q += " ORDER BY updated_at DESC LIMIT 1"

	var key string
	if err := s.db.QueryRow(q, args...).Scan(&key); err != nil {
		return "", false
	}
	return key, true
}

func (s *PGSessionStore) LastRoute(key string) (store.RouteInfo, bool) {
	e, ok := s.Get(key)
	if !ok || e.LastRoute.Empty() {
		return store.RouteInfo{}, false
	}
	return e.LastRoute, true
}

func (s *PGSessionStore) LastUsedRoute(agentID string) (store.RouteInfo, bool) {
	q := `SELECT channel, account_id, chat_id, peer_kind FROM sessions
	      WHERE channel IS NOT NULL AND chat_id IS NOT NULL`
	var args []interface{}
	if agentID != "" {
		q += " AND session_key LIKE $1"
		args = append(args, "agent:"+strings.ToLower(agentID)+":%")
	}
	q += " ORDER BY updated_at DESC LIMIT 1"

	var channel, accountID, chatID, peerKind *string
	if err := s.db.QueryRow(q, args...).Scan(&channel, &accountID, &chatID, &peerKind); err != nil {
		return store.RouteInfo{}, false
	}
	route := store.RouteInfo{
		Channel:   derefStr(channel),
		AccountID: derefStr(accountID),
		ChatID:    derefStr(chatID),
		PeerKind:  derefStr(peerKind),
	}
	if route.Empty() {
		return store.RouteInfo{}, false
	}
	return route, true
}

func (s *PGSessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = $1", key)
	return err
}

func (s *PGSessionStore) List(agentID string) []store.SessionInfo {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		prefix := "agent:" + strings.ToLower(agentID) + ":%"
		rows, err = s.db.Query(
			"SELECT session_key, label, created_at, updated_at FROM sessions WHERE session_key LIKE $1 ORDER BY updated_at DESC", prefix)
	} else {
		rows, err = s.db.Query(
			"SELECT session_key, label, created_at, updated_at FROM sessions ORDER BY updated_at DESC")
	}
	if err != nil {
		return nil
	}
	defer rows.Close()

	var result []store.SessionInfo
	for rows.Next() {
		var key string
		var label *string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&key, &label, &createdAt, &updatedAt); err != nil {
			continue
		}
		result = append(result, store.SessionInfo{
			Key:     key,
			Label:   derefStr(label),
			Created: createdAt,
			Updated: updatedAt,
		})
	}
	return result
}

func (s *PGSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var where string
	var whereArgs []interface{}
	if opts.AgentID != "" {
		where = " WHERE session_key LIKE $1"
		whereArgs = append(whereArgs, "agent:"+strings.ToLower(opts.AgentID)+":%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, whereArgs...).Scan(&total); err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: 0}
	}

	var selectQ string
	var selectArgs []interface{}
	if opts.AgentID != "" {
		selectQ = `SELECT session_key, label, created_at, updated_at
		           FROM sessions WHERE session_key LIKE $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`
		selectArgs = []interface{}{whereArgs[0], limit, offset}
	} else {
		selectQ = `SELECT session_key, label, created_at, updated_at
		           FROM sessions ORDER BY updated_at DESC LIMIT $1 OFFSET $2`
		selectArgs = []interface{}{limit, offset}
	}

	rows, err := s.db.Query(selectQ, selectArgs...)
	if err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: total}
	}
	defer rows.Close()

	var result []store.SessionInfo
	for rows.Next() {
		var key string
		var label *string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&key, &label, &createdAt, &updatedAt); err != nil {
			continue
		}
		result = append(result, store.SessionInfo{
			Key:     key,
			Label:   derefStr(label),
			Created: createdAt,
			Updated: updatedAt,
		})
	}
	if result == nil {
		result = []store.SessionInfo{}
	}
	return store.SessionListResult{Sessions: result, Total: total}
}

func (s *PGSessionStore) Save(key string) error {
	s.mu.RLock()
	e, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *e
	s.mu.RUnlock()

	_, err := s.db.Exec(
		`UPDATE sessions SET
			session_id = $1, label = $2,
			channel = $3, account_id = $4, chat_id = $5, peer_kind = $6,
			spawned_by = $7, spawn_depth = $8, updated_at = $9
		 WHERE session_key = $10`,
		nilStr(snapshot.SessionID), nilStr(snapshot.Label),
		nilStr(snapshot.LastRoute.Channel), nilStr(snapshot.LastRoute.AccountID),
		nilStr(snapshot.LastRoute.ChatID), nilStr(snapshot.LastRoute.PeerKind),
		nilStr(snapshot.SpawnedBy), snapshot.SpawnDepth, snapshot.Updated,
		key,
	)
	return err
}

// --- helpers ---

func (s *PGSessionStore) getOrInitLocked(key string) *store.SessionEntry {
	if e, ok := s.cache[key]; ok {
		return e
	}
	if e := s.loadFromDB(key); e != nil {
		s.cache[key] = e
		return e
	}

	now := time.Now()
	e := &store.SessionEntry{Key: key, Created: now, Updated: now}
	s.cache[key] = e

	s.db.Exec(
		`INSERT INTO sessions (id, session_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (session_key) DO NOTHING`,
		uuid.Must(uuid.NewV7()), key, now, now,
	)
	return e
}

func (s *PGSessionStore) loadFromDB(key string) *store.SessionEntry {
	var sessionKey string
	var sessionID, label, channel, accountID, chatID, peerKind, spawnedBy *string
	var spawnDepth int
	var createdAt, updatedAt time.Time

	err := s.db.QueryRow(
		`SELECT session_key, session_id, label,
		 channel, account_id, chat_id, peer_kind,
		 spawned_by, spawn_depth, created_at, updated_at
		 FROM sessions WHERE session_key = $1`, key,
	).Scan(&sessionKey, &sessionID, &label,
		&channel, &accountID, &chatID, &peerKind,
		&spawnedBy, &spawnDepth, &createdAt, &updatedAt)
	if err != nil {
		return nil
	}

	return &store.SessionEntry{
		Key:       sessionKey,
		SessionID: derefStr(sessionID),
		Label:     derefStr(label),
		LastRoute: store.RouteInfo{
			Channel:   derefStr(channel),
			AccountID: derefStr(accountID),
			ChatID:    derefStr(chatID),
			PeerKind:  derefStr(peerKind),
		},
		SpawnedBy:  derefStr(spawnedBy),
		SpawnDepth: spawnDepth,
		Created:    createdAt,
		Updated:    updatedAt,
	}
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
