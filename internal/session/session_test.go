package session

import (
	"testing"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
)

// fakeBackend is an in-memory Backend recording every Save call, for testing
// Manager's dirty-bit coalescing without touching disk.
type fakeBackend struct {
	saved   map[string]*Session
	saveCnt int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{saved: make(map[string]*Session)}
}

func (b *fakeBackend) Load() (map[string]*Session, error) { return nil, nil }
func (b *fakeBackend) Save(s *Session) error {
	b.saveCnt++
	cp := *s
	b.saved[s.Key] = &cp
	return nil
}
func (b *fakeBackend) Delete(key string) error {
	delete(b.saved, key)
	return nil
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	a := m.GetOrCreate("k1")
	b := m.GetOrCreate("k1")
	if a != b {
		t.Fatal("expected GetOrCreate to return the same Session pointer for the same key")
	}
}

func TestKeyFormat(t *testing.T) {
	got := Key("telegram", "direct", "chat1", "user1")
	want := "telegram:direct:chat1:user1"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

// TestFlushDirtyOnlyPersistsDirtySessions verifies the dirty-bit coalescing
// contract: writes only mark dirty, and FlushDirty is the sole path that
// actually reaches the backend (spec §4.3 "the core never blocks on
// persistence").
func TestFlushDirtyOnlyPersistsDirtySessions(t *testing.T) {
	backend := newFakeBackend()
	m := NewManager(backend)

	m.GetOrCreate("clean")
	m.AddMessage("dirty", llm.Message{Role: "user", Content: "hi"})

	if backend.saveCnt != 0 {
		t.Fatalf("expected no backend writes before FlushDirty, got %d", backend.saveCnt)
	}

	if err := m.FlushDirty(); err != nil {
		t.Fatalf("FlushDirty: %v", err)
	}
	if _, ok := backend.saved["dirty"]; !ok {
		t.Error("expected the dirty session to be persisted")
	}
	if _, ok := backend.saved["clean"]; ok {
		t.Error("expected the untouched session to NOT be persisted")
	}

	// A second flush with nothing newly dirty must not write again.
	backend.saveCnt = 0
	if err := m.FlushDirty(); err != nil {
		t.Fatalf("FlushDirty (2nd): %v", err)
	}
	if backend.saveCnt != 0 {
		t.Errorf("expected no writes on a flush with nothing dirty, got %d", backend.saveCnt)
	}
}

func TestSetMetaMarksDirtyAndRoundTrips(t *testing.T) {
	m := NewManager(nil)
	s := m.GetOrCreate("k1")
	s.SetMeta("pending_images", []string{"a.png"})

	v, ok := s.GetMeta("pending_images")
	if !ok {
		t.Fatal("expected pending_images to round-trip through metadata")
	}
	if imgs, ok := v.([]string); !ok || len(imgs) != 1 || imgs[0] != "a.png" {
		t.Errorf("unexpected metadata value: %#v", v)
	}
}

func TestGetMetaMissingKey(t *testing.T) {
	s := &Session{}
	if _, ok := s.GetMeta("missing"); ok {
		t.Error("expected GetMeta on an unset key to report ok=false")
	}
}

func TestDeleteRemovesFromBackend(t *testing.T) {
	backend := newFakeBackend()
	m := NewManager(backend)
	m.GetOrCreate("gone")
	if err := m.Save("gone"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := backend.saved["gone"]; !ok {
		t.Fatal("expected session persisted before delete")
	}
	if err := m.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := backend.saved["gone"]; ok {
		t.Error("expected backend.Delete to remove the persisted session")
	}
}

func TestTruncateHistoryKeepsOnlyLastN(t *testing.T) {
	m := NewManager(nil)
	for i := 0; i < 5; i++ {
		m.AddMessage("k1", llm.Message{Role: "user", Content: "m"})
	}
	m.TruncateHistory("k1", 2)
	s := m.GetOrCreate("k1")
	if len(s.Messages) != 2 {
		t.Fatalf("expected history truncated to 2 messages, got %d", len(s.Messages))
	}
}
