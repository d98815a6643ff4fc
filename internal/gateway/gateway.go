// Package gateway implements the message gateway (spec §4.6): per-session
// serialization with a priority interrupt queue, stop-phrase cancellation,
// media preprocessing, progress coalescing, and the 11-step turn shape tying
// intake to the agent loop and back out to the channel adapter.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/agent"
	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/session"
	"github.com/nextlevelbuilder/akitagw/internal/syscmd"
	"github.com/nextlevelbuilder/akitagw/internal/types"
)

// mediaConcurrency bounds concurrent media downloads/transcriptions per turn
// (spec §4.6 "semaphore of 4").
const mediaConcurrency = 4

// typingInterval is how often the keepalive re-sends a typing indicator
// while a turn is in flight.
const typingInterval = 4 * time.Second

// progressWindow/progressMaxLines match the coalescer's throttle and cap
// (spec §4.6 "Progress events").
const (
	progressWindow   = 2 * time.Second
	progressMaxLines = 20
)

// stopPhrases is the small table that triggers mid-turn cancellation
// (spec §4.6 "Stop-command detection").
var stopPhrases = map[string]bool{
	"stop": true, "取消": true, "cancel": true, "停下": true,
}

// Transcriber turns a downloaded voice file into text. A nil Transcriber
// makes every downloaded voice message fail closed with the "[voice
// recognition failed]" marker appended to the message text.
type Transcriber interface {
	Transcribe(ctx context.Context, localPath string) (string, error)
}

// MediaDownloader fetches a MediaFile referenced only by channel-native id
// into local cache, filling in LocalPath/Status.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, media *types.MediaFile) (string, error)
}

// ReportSource exposes the previous day's self-check report for delivery on
// the first message of a new day (spec §4.6 "Pending daily report delivery").
type ReportSource interface {
	// PendingReport returns the report text to deliver and true if one is
	// outstanding (reported = false) for the most recently completed day.
	PendingReport(now time.Time) (text string, ok bool)
	// MarkReported flips the report's reported flag, idempotent.
	MarkReported() error
}

// Config wires one Gateway to its collaborators.
type Config struct {
	Sessions    session.Store
	Agent       *agent.Loop
	SysCmd      *syscmd.Interceptor
	Transcriber Transcriber
	Reports     ReportSource // nil disables daily report delivery
}

// conversation holds the per-session-key state the gateway serializes turns
// through: a processing flag, an interrupt queue, a progress coalescer, and
// the cancel signal handed to the in-flight agent call.
type conversation struct {
	mu         sync.Mutex
	processing bool
	queue      *InterruptQueue
	coalescer  *ProgressCoalescer
	cancel     *agent.CancelSignal
}

// Gateway is the single entry point every channel adapter's inbound
// callback feeds into.
type Gateway struct {
	cfg Config

	adapters map[string]channel.Adapter

	mu            sync.Mutex
	conversations map[string]*conversation
}

func New(cfg Config) *Gateway {
	return &Gateway{
		cfg:           cfg,
		adapters:      make(map[string]channel.Adapter),
		conversations: make(map[string]*conversation),
	}
}

// RegisterAdapter wires one channel adapter's inbound callback to the
// gateway and remembers it for outbound replies.
func (g *Gateway) RegisterAdapter(a channel.Adapter) {
	g.adapters[a.Name()] = a
	a.OnMessage(g.HandleInbound)
}

func (g *Gateway) conversationFor(key string) *conversation {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conversations[key]
	if !ok {
		c = &conversation{queue: NewInterruptQueue()}
		g.conversations[key] = c
	}
	return c
}

// HandleInbound is the non-blocking intake callback every adapter invokes.
// It never runs a turn itself: it either starts the worker for an idle
// session or enqueues onto that session's interrupt queue.
func (g *Gateway) HandleInbound(ctx context.Context, msg *types.UnifiedMessage) error {
	key := session.Key(msg.Channel, msg.PeerKind, msg.ChatID, msg.UserID)
	c := g.conversationFor(key)

	priority := PriorityNormal
	isStop := msg.MessageType == types.MessageText && stopPhrases[strings.ToLower(strings.TrimSpace(msg.Text))]

	c.mu.Lock()
	processing := c.processing
	if isStop && processing {
		priority = PriorityUrgent
		if c.cancel != nil {
			c.cancel.Cancel()
		}
	}
	if !processing {
		c.processing = true
		c.cancel = agent.NewCancelSignal()
	}
	c.mu.Unlock()

	if !processing {
		go g.runSession(key, c, msg)
		return nil
	}

	c.queue.Push(&InterruptMessage{Priority: priority, Timestamp: time.Now(), SessionKey: key, Payload: msg})
	return nil
}

// runSession drains a session's turn and any interrupts queued while it ran,
// steps 2-11 of spec §4.6, releasing the processing flag only once the
// queue is empty.
func (g *Gateway) runSession(key string, c *conversation, msg *types.UnifiedMessage) {
	ctx := context.Background()
	current := msg

	for {
		g.processTurn(ctx, key, c, current)

		c.mu.Lock()
		next := c.queue.Pop()
		if next == nil {
			c.processing = false
			c.cancel = nil
			c.mu.Unlock()
			if c.coalescer != nil {
				c.coalescer.Close()
			}
			return
		}
		c.cancel = agent.NewCancelSignal()
		c.mu.Unlock()

		current = next.Payload.(*types.UnifiedMessage)
	}
}

// processTurn is one pass of steps 2-9: system-command short-circuit, typing
// keepalive, media preprocessing, history append, daily report delivery,
// the agent call, and the chunked/retried reply.
func (g *Gateway) processTurn(ctx context.Context, sessionKey string, c *conversation, msg *types.UnifiedMessage) {
	adapter := g.adapters[msg.Channel]

	if g.cfg.SysCmd != nil && msg.MessageType == types.MessageText && g.cfg.SysCmd.IsCommand(sessionKey, msg.Text) {
		reply := g.cfg.SysCmd.Handle(sessionKey, msg.Text)
		if adapter != nil {
			if _, err := adapter.SendText(ctx, msg.ChatID, reply, msg.MessageID); err != nil {
				slog.Warn("gateway.syscmd_reply_failed", "session", sessionKey, "err", err)
			}
		}
		return
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	if adapter != nil {
		go g.typingKeepalive(typingCtx, adapter, msg.ChatID)
	}
	defer stopTyping()

	plainText := g.preprocessMedia(ctx, msg, adapter)

	sess := g.cfg.Sessions.GetOrCreate(sessionKey)
	sess.SetMeta("_current_message_id", msg.MessageID)
	g.cfg.Sessions.MarkDirty(sessionKey)

	if g.cfg.Reports != nil {
		if text, ok := g.cfg.Reports.PendingReport(time.Now()); ok {
			if adapter != nil {
				if err := agent.SendReply(ctx, adapter, msg.ChatID, "", text); err == nil {
					_ = g.cfg.Reports.MarkReported()
				}
			}
		}
	}

	c.mu.Lock()
	if c.coalescer == nil {
		c.coalescer = NewProgressCoalescer(progressWindow, progressMaxLines, func(text string) {
			if adapter == nil {
				return
			}
			_, _ = adapter.SendMessage(ctx, types.OutgoingMessage{
				ChatID:  msg.ChatID,
				Content: types.MessageContent{Text: text},
				Silent:  true,
			})
		})
	}
	cancel := c.cancel
	c.mu.Unlock()

	result, err := g.cfg.Agent.Run(ctx, agent.Request{
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		UserID:     msg.UserID,
		Message:    plainText,
		Hooks:      &gatewayHooks{g: g, key: sessionKey, conv: c},
		Cancel:     cancel,
	})
	if err != nil {
		slog.Error("gateway.agent_run_failed", "session", sessionKey, "err", err)
		if adapter != nil {
			_, _ = adapter.SendText(ctx, msg.ChatID, fmt.Sprintf("I ran into an error: %v", err), msg.MessageID)
		}
		return
	}

	if adapter == nil {
		return
	}
	if err := agent.SendReply(ctx, adapter, msg.ChatID, msg.MessageID, result.Text); err != nil {
		slog.Error("gateway.send_reply_failed", "session", sessionKey, "err", err)
		if !result.CancelledEarly {
			return
		}
	}
	// Persist only after a successful send (or a cancellation ack, which is
	// recorded regardless of whether the short acknowledgement itself was
	// deliverable) — spec §9 optimistic-persistence decision.
	g.cfg.Agent.Commit(result)
}

func (g *Gateway) typingKeepalive(ctx context.Context, adapter channel.Adapter, chatID string) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	_ = adapter.SendTyping(ctx, chatID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = adapter.SendTyping(ctx, chatID)
		}
	}
}

// preprocessMedia downloads and transcribes every attachment concurrently
// (spec §4.6 "Media preprocessing") and returns the plain-text projection of
// the message the agent loop should see.
func (g *Gateway) preprocessMedia(ctx context.Context, msg *types.UnifiedMessage, adapter channel.Adapter) string {
	media := msg.Content.AllMedia()
	if len(media) == 0 {
		return msg.PlainText()
	}

	sem := make(chan struct{}, mediaConcurrency)
	var wg sync.WaitGroup
	for _, m := range media {
		wg.Add(1)
		sem <- struct{}{}
		go func(m *types.MediaFile) {
			defer wg.Done()
			defer func() { <-sem }()
			if m.LocalPath != "" {
				return
			}
			if adapter == nil {
				m.Status = types.MediaFailed
				m.Error = "no adapter to download media"
				return
			}
			path, err := adapter.DownloadMedia(ctx, m)
			if err != nil {
				m.Status = types.MediaFailed
				m.Error = err.Error()
				return
			}
			m.LocalPath = path
			m.Status = types.MediaReady
		}(m)
	}
	wg.Wait()

	transcript := ""
	sttFailed := false
	if msg.Content.Voice != nil && msg.Content.Voice.IsReady() {
		if g.cfg.Transcriber != nil {
			t, err := g.cfg.Transcriber.Transcribe(ctx, msg.Content.Voice.LocalPath)
			if err != nil || t == "" {
				msg.Content.Voice.Status = types.MediaFailed
				msg.Content.Voice.Error = "transcription failed"
				sttFailed = true
			} else {
				transcript = t
			}
		} else {
			msg.Content.Voice.Status = types.MediaFailed
			msg.Content.Voice.Error = "speech-to-text not configured"
			sttFailed = true
		}
	}

	text := msg.PlainText()
	if sttFailed {
		text += "\n[voice recognition failed]"
	}
	if transcript != "" {
		placeholder := strings.HasPrefix(strings.TrimSpace(msg.Text), "[voice")
		if msg.Text == "" || placeholder {
			text = transcript
		} else {
			text = text + "\n[voice content: " + transcript + "]"
		}
	}
	return text
}

// gatewayHooks is the agent.GatewayHooks implementation threaded through
// each Run call, resolving the agent/gateway cyclic reference via the
// interface agent defines (spec §9).
type gatewayHooks struct {
	g    *Gateway
	key  string
	conv *conversation
}

func (h *gatewayHooks) CheckInterrupt(sessionKey string) agent.InterruptLevel {
	h.conv.mu.Lock()
	defer h.conv.mu.Unlock()
	if h.conv.queue.Len() == 0 {
		return agent.InterruptNone
	}
	// Peek without popping: a queued interrupt drives the Stop Hook, but the
	// message itself is only consumed by the drain step between turns.
	top := h.conv.queue.Pop()
	h.conv.queue.Push(top)
	if top.Priority >= PriorityUrgent {
		return agent.InterruptCancel
	}
	if top.Priority >= PriorityHigh {
		return agent.InterruptHigh
	}
	return agent.InterruptNone
}

func (h *gatewayHooks) EmitProgressEvent(sessionKey, text string) {
	h.conv.mu.Lock()
	coalescer := h.conv.coalescer
	h.conv.mu.Unlock()
	if coalescer != nil {
		coalescer.Add(text)
	}
}
