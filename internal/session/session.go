// Package session implements the conversation store every channel+chat+user
// scope is keyed into: a dirty-bit-driven, coalesced-persistence history
// store generalized from the teacher's internal/sessions package.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
)

// Key builds the composite session key: {channel}:{peerKind}:{chatID}:{userID}
func Key(channel, peerKind, chatID, userID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", channel, peerKind, chatID, userID)
}

// Session holds one conversation's full turn history plus the freeform
// metadata bag the gateway/agent stash scratch state into
// (pending_images, _gateway, _session_key, _current_message, ...).
type Session struct {
	Key      string
	Messages []llm.Message
	Summary  string
	Created  time.Time
	Updated  time.Time

	Model    string
	Provider string
	Channel  string

	InputTokens  int64
	OutputTokens int64

	ContextWindow    int
	LastPromptTokens int
	LastMessageCount int

	Metadata map[string]any

	dirty bool
}

// MarkDirty flags the session as needing a persistence flush.
func (s *Session) MarkDirty() { s.dirty = true }

// GetMeta reads a metadata key, matching the teacher's free-form metadata map.
func (s *Session) GetMeta(key string) (any, bool) {
	if s.Metadata == nil {
		return nil, false
	}
	v, ok := s.Metadata[key]
	return v, ok
}

// SetMeta writes a metadata key and marks the session dirty.
func (s *Session) SetMeta(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
	s.dirty = true
}

// Store is the persistence contract the agent loop and gateway depend on.
// The default implementation (Manager, below) is an in-memory map backed by
// coalesced JSON-file writes; a SQLite-backed Store is also provided.
type Store interface {
	GetOrCreate(key string) *Session
	AddMessage(key string, msg llm.Message)
	MarkDirty(key string)
	List(prefix string) []Info
	Save(key string) error
	Delete(key string) error
	FlushDirty() error
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	Key          string
	MessageCount int
	Created      time.Time
	Updated      time.Time
}

// Manager is the default in-memory Store with coalesced persistence: writes
// only mark a session dirty; FlushDirty (run once by the app at shutdown, no
// periodic flush runs) or an explicit Save is what actually hits disk, as the teacher's dirty-bit save pattern
// anticipates (it saves eagerly today; this generalizes that into an
// explicit coalescing policy the spec calls for).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	backend  Backend
}

// Backend is the storage engine a Manager delegates persistence to.
type Backend interface {
	Load() (map[string]*Session, error)
	Save(s *Session) error
	Delete(key string) error
}

func NewManager(backend Backend) *Manager {
	m := &Manager{sessions: make(map[string]*Session), backend: backend}
	if backend != nil {
		if loaded, err := backend.Load(); err == nil {
			m.sessions = loaded
		}
	}
	return m
}

func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{Key: key, Created: time.Now(), Updated: time.Now()}
	m.sessions[key] = s
	return s
}

func (m *Manager) AddMessage(key string, msg llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Created: time.Now()}
		m.sessions[key] = s
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
	s.dirty = true
}

func (m *Manager) MarkDirty(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.dirty = true
	}
}

func (m *Manager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if keepLast <= 0 {
		s.Messages = nil
	} else if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	s.dirty = true
}

func (m *Manager) List(prefix string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Info{Key: key, MessageCount: len(s.Messages), Created: s.Created, Updated: s.Updated})
	}
	return out
}

// Save forces an immediate flush of one session, bypassing the dirty bit.
func (m *Manager) Save(key string) error {
	if m.backend == nil {
		return nil
	}
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	snap := cloneSession(s)
	if err := m.backend.Save(snap); err != nil {
		return err
	}
	m.mu.Lock()
	s.dirty = false
	m.mu.Unlock()
	return nil
}

// FlushDirty persists every dirty session and clears their dirty bits, so
// any number of writes to a session since the last flush become one disk
// write. Its only caller is the app's shutdown path (stopAll).
func (m *Manager) FlushDirty() error {
	if m.backend == nil {
		return nil
	}
	m.mu.Lock()
	var dirty []*Session
	for _, s := range m.sessions {
		if s.dirty {
			dirty = append(dirty, cloneSession(s))
			s.dirty = false
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range dirty {
		if err := m.backend.Save(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	if m.backend == nil {
		return nil
	}
	return m.backend.Delete(key)
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Messages = append([]llm.Message(nil), s.Messages...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SanitizeFilename mirrors the teacher's filename-safety rule for the file backend.
func SanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
