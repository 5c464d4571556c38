package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

func newStore(t *testing.T, dir string) *FileSessionStore {
	t.Helper()
	s, err := NewFileSessionStore(dir)
	if err != nil {
		t.Fatalf("NewFileSessionStore: %v", err)
	}
	return s
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	key := "agent:main:telegram:direct:12345"
	s.GetOrCreate(key)
	s.SetSessionID(key, "sess-abc")
	s.SetLabel(key, "deploy-bot")
	s.SetLastRoute(key, store.RouteInfo{Channel: "telegram", AccountID: "default", ChatID: "12345", PeerKind: "direct"})
	s.SetSpawnInfo(key, "agent:main:main", 1)
	if err := s.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := newStore(t, dir)
	e, ok := reloaded.Get(key)
	if !ok {
		t.Fatal("entry lost across reload")
	}
	if e.SessionID != "sess-abc" || e.Label != "deploy-bot" {
		t.Errorf("reloaded entry = %+v", e)
	}
	if e.LastRoute.ChatID != "12345" || e.LastRoute.Channel != "telegram" {
		t.Errorf("reloaded route = %+v", e.LastRoute)
	}
	if e.SpawnedBy != "agent:main:main" || e.SpawnDepth != 1 {
		t.Errorf("reloaded spawn info = %q depth %d", e.SpawnedBy, e.SpawnDepth)
	}
}

func TestFilenamesAreSanitized(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	key := "agent:main:discord:group:g1"
	s.GetOrCreate(key)
	if err := s.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	name := files[0].Name()
	if strings.ContainsRune(name, ':') {
		t.Errorf("filename %q still contains ':'", name)
	}
	if name != "agent_main_discord_group_g1.json" {
		t.Errorf("filename = %q", name)
	}
}

func TestEntryPathRejectsEscape(t *testing.T) {
	s := newStore(t, t.TempDir())
	if _, err := s.entryPath("../evil"); err == nil {
		t.Error("directory-escaping key accepted")
	}
}

func TestResolveLabel(t *testing.T) {
	s := newStore(t, t.TempDir())

	s.GetOrCreate("agent:main:main")
	s.SetLabel("agent:main:main", "Primary")
	s.GetOrCreate("agent:ops:telegram:direct:7")
	s.SetLabel("agent:ops:telegram:direct:7", "oncall")

	if key, ok := s.ResolveLabel("primary", ""); !ok || key != "agent:main:main" {
		t.Errorf("case-insensitive resolve = %q, %v", key, ok)
	}
	if key, ok := s.ResolveLabel("oncall", "ops"); !ok || key != "agent:ops:telegram:direct:7" {
		t.Errorf("agent-scoped resolve = %q, %v", key, ok)
	}
	if _, ok := s.ResolveLabel("oncall", "main"); ok {
		t.Error("label resolved outside its agent scope")
	}
	if _, ok := s.ResolveLabel("missing", ""); ok {
		t.Error("unknown label resolved")
	}
}

func TestLastUsedRoute(t *testing.T) {
	s := newStore(t, t.TempDir())

	s.GetOrCreate("agent:ops:telegram:direct:1")
	s.SetLastRoute("agent:ops:telegram:direct:1", store.RouteInfo{Channel: "telegram", ChatID: "1"})
	time.Sleep(5 * time.Millisecond)
	s.GetOrCreate("agent:ops:discord:group:g9")
	s.SetLastRoute("agent:ops:discord:group:g9", store.RouteInfo{Channel: "discord", ChatID: "g9"})

	route, ok := s.LastUsedRoute("ops")
	if !ok {
		t.Fatal("no last used route")
	}
	if route.Channel != "discord" || route.ChatID != "g9" {
		t.Errorf("last used route = %+v, want newest entry", route)
	}

	if _, ok := s.LastUsedRoute("other"); ok {
		t.Error("route returned for an agent with no sessions")
	}
}

func TestMutatorsAreNoOpsOnUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	s.SetLabel("agent:main:missing", "x")
	s.SetLastRoute("agent:main:missing", store.RouteInfo{Channel: "telegram", ChatID: "1"})
	if err := s.Save("agent:main:missing"); err != nil {
		t.Fatalf("Save unknown key: %v", err)
	}

	if _, ok := s.Get("agent:main:missing"); ok {
		t.Error("mutator created an entry")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("files written for unknown key: %d", len(entries))
	}
}

func TestListPaged(t *testing.T) {
	s := newStore(t, t.TempDir())
	keys := []string{
		"agent:main:telegram:direct:1",
		"agent:main:telegram:direct:2",
		"agent:main:telegram:direct:3",
		"agent:ops:telegram:direct:4",
	}
	for _, k := range keys {
		s.GetOrCreate(k)
	}

	res := s.ListPaged(store.SessionListOpts{AgentID: "main", Limit: 2})
	if res.Total != 3 {
		t.Errorf("total = %d, want 3", res.Total)
	}
	if len(res.Sessions) != 2 {
		t.Errorf("page size = %d, want 2", len(res.Sessions))
	}

	res = s.ListPaged(store.SessionListOpts{AgentID: "main", Limit: 2, Offset: 2})
	if len(res.Sessions) != 1 {
		t.Errorf("second page size = %d, want 1", len(res.Sessions))
	}

	res = s.ListPaged(store.SessionListOpts{Offset: 100})
	if len(res.Sessions) != 0 || res.Total != 4 {
		t.Errorf("overflow page = %d entries, total %d", len(res.Sessions), res.Total)
	}

	// corrupted and foreign files are skipped on load
	if err := os.WriteFile(filepath.Join(s.dir, "junk.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	reloaded := newStore(t, s.dir)
	if got := len(reloaded.List("")); got != 0 {
		t.Errorf("unsaved entries appeared after reload: %d", got)
	}
}
