// Package stream implements the WeWork-Bot-style streaming reply state
// machine: a StreamSession registry keyed by stream ID with a secondary
// (chat,user) index, a settle delay that coalesces trailing image enqueues
// before finalizing, a hard timeout, and a background sweeper.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config exposes the settle delay / hard timeout as literal parameters
// rather than hardcoded constants, per the recorded Open Question decision.
type Config struct {
	SettleDelay time.Duration
	HardTimeout time.Duration
	SweepEvery  time.Duration
}

// DefaultConfig matches the reference WeWork-Bot adapter's timing: an 8s
// settle window to coalesce trailing image enqueues, and a 5m30s hard cap.
// SweepEvery is the background sweeper's coarse interval (spec §4.7
// "Cleanup"); the sweeper itself adds sweepBuffer on top of HardTimeout so a
// session mid-Refresh right at the timeout boundary isn't dropped out from
// under it.
func DefaultConfig() Config {
	return Config{
		SettleDelay: 8 * time.Second,
		HardTimeout: 5*time.Minute + 30*time.Second,
		SweepEvery:  2 * time.Minute,
	}
}

// sweepBuffer is added to HardTimeout before the background sweeper drops a
// session outright, giving Refresh (which force-finishes at HardTimeout
// exactly) first chance to finalize it normally.
const sweepBuffer = 60 * time.Second

// PendingImage is one queued (base64 payload, md5 hex) attachment awaiting
// the finalizing reply.
type PendingImage struct {
	Base64 string
	MD5    string
}

// Session is one in-flight streaming reply. Content is mutable and grows
// monotonically across send_message calls within the same turn; IsFinished
// is set once the agent has produced its last write, but the session is
// only finalized (removed, delivered with finish:true) once the settle
// delay has elapsed with no further writes.
type Session struct {
	ID            string
	ChatID        string
	UserID        string
	OriginMsgID   string
	ResponseURL   string // optional one-shot fallback delivery URL
	Content       string
	PendingImages []PendingImage
	IsFinished    bool
	CreatedAt     time.Time
	LastUpdatedAt time.Time

	finalized bool // registry bookkeeping: already removed and delivered

	mu sync.Mutex
}

func (s *Session) touch() {
	s.LastUpdatedAt = time.Now()
}

// SendMessage is the outbound send_message primitive: it replaces the
// buffered reply text and marks the stream finished in one atomic step, per
// spec §4.7 ("updates content, sets is_finished = true, and bumps
// last_updated_at"). A stream that later receives a trailing send_image
// still has its settle clock reset by EnqueueImage.
func (s *Session) SendMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Content = text
	s.IsFinished = true
	s.touch()
}

// EnqueueImage queues a trailing image for delivery once the stream settles
// and resets the settle clock, since an in-flight send_image must still
// have a chance to attach before finalize.
func (s *Session) EnqueueImage(base64Payload, md5Hex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingImages = append(s.PendingImages, PendingImage{Base64: base64Payload, MD5: md5Hex})
	s.touch()
}

// Snapshot is a lock-consistent read of the fields a refresh callback needs.
type Snapshot struct {
	Content       string
	PendingImages []PendingImage
	IsFinished    bool
	LastUpdatedAt time.Time
	CreatedAt     time.Time
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Content:       s.Content,
		PendingImages: append([]PendingImage(nil), s.PendingImages...),
		IsFinished:    s.IsFinished,
		LastUpdatedAt: s.LastUpdatedAt,
		CreatedAt:     s.CreatedAt,
	}
}

// RefreshResult is the reply a stream refresh callback returns to the
// platform (spec §4.7).
type RefreshResult struct {
	Finish  bool
	Content string
	Images  []PendingImage // attached only on the finalizing reply, capped at 10
	Found   bool
}

const maxFinalizeImages = 10

// Registry is the stream-session arena: a map keyed by stream ID plus a
// secondary (chat,user) -> id index, generalized from the teacher's
// multiple sync.Map registries in internal/channels/telegram.
type Registry struct {
	cfg Config

	mu     sync.Mutex
	byID   map[string]*Session
	byPeer map[string]string // chatID|userID -> stream id

	onFinalize func(s *Session)

	stopCh chan struct{}
}

func NewRegistry(cfg Config, onFinalize func(s *Session)) *Registry {
	return &Registry{
		cfg:        cfg,
		byID:       make(map[string]*Session),
		byPeer:     make(map[string]string),
		onFinalize: onFinalize,
		stopCh:     make(chan struct{}),
	}
}

func peerKey(chatID, userID string) string { return chatID + "|" + userID }

// Open creates a new stream for (chatID, userID), enforcing uniqueness: an
// existing open stream for the same peer is finalized first, since the spec
// requires at most one StreamSession per (chat,user).
func (r *Registry) Open(chatID, userID, originMsgID, responseURL string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byPeer[peerKey(chatID, userID)]; ok {
		if existing, ok := r.byID[existingID]; ok {
			r.finalizeLocked(existing)
		}
	}

	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		UserID:        userID,
		OriginMsgID:   originMsgID,
		ResponseURL:   responseURL,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	r.byID[s.ID] = s
	r.byPeer[peerKey(chatID, userID)] = s.ID
	return s
}

// Get looks up a stream by its ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByPeer looks up the currently open stream for (chatID, userID), if any,
// used by send_message/send_image to resolve the implicit stream target
// when no reply_to id is given.
func (r *Registry) GetByPeer(chatID, userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPeer[peerKey(chatID, userID)]
	if !ok {
		return nil, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// Refresh implements the exact refresh-callback decision table of spec §4.7:
// unknown id -> tombstone; hard timeout exceeded and not finished -> force
// finish with a timeout notice; finished and settled -> finalize with
// queued images; otherwise -> live content, finish:false.
func (r *Registry) Refresh(id string, now time.Time) RefreshResult {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return RefreshResult{Finish: true, Found: false}
	}

	snap := s.snapshot()

	if now.Sub(snap.CreatedAt) >= r.cfg.HardTimeout && !snap.IsFinished {
		r.mu.Lock()
		r.finalizeLocked(s)
		r.mu.Unlock()
		return RefreshResult{
			Finish:  true,
			Content: snap.Content + "\n(reply timed out)",
			Found:   true,
		}
	}

	if snap.IsFinished && now.Sub(snap.LastUpdatedAt) >= r.cfg.SettleDelay {
		images := snap.PendingImages
		if len(images) > maxFinalizeImages {
			images = images[:maxFinalizeImages]
		}
		r.mu.Lock()
		r.finalizeLocked(s)
		r.mu.Unlock()
		return RefreshResult{
			Finish:  true,
			Content: snap.Content,
			Images:  images,
			Found:   true,
		}
	}

	return RefreshResult{
		Finish:  false,
		Content: snap.Content,
		Found:   true,
	}
}

// Finalize removes a stream unconditionally, used for explicit cancel/error
// paths; normal completion goes through Refresh.
func (r *Registry) Finalize(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	r.finalizeLocked(s)
}

func (r *Registry) finalizeLocked(s *Session) {
	s.mu.Lock()
	already := s.finalized
	s.finalized = true
	s.mu.Unlock()
	if already {
		return
	}
	delete(r.byID, s.ID)
	if r.byPeer[peerKey(s.ChatID, s.UserID)] == s.ID {
		delete(r.byPeer, peerKey(s.ChatID, s.UserID))
	}
	if r.onFinalize != nil {
		r.onFinalize(s)
	}
}

// StartSweeper launches the background goroutine that cleans up sessions
// that exceeded the hard timeout without ever receiving a refresh callback
// to drive them through Refresh. Call Stop to end it.
func (r *Registry) StartSweeper() {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case now := <-ticker.C:
				r.sweep(now)
			}
		}
	}()
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []*Session
	for _, s := range r.byID {
		if now.Sub(s.snapshotCreatedAtUnlocked()) >= r.cfg.HardTimeout+sweepBuffer {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		r.finalizeLocked(s)
	}
	r.mu.Unlock()
}

func (s *Session) snapshotCreatedAtUnlocked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CreatedAt
}

// Stop ends the background sweeper.
func (r *Registry) Stop() {
	close(r.stopCh)
}
