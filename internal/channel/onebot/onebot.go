// Package onebot implements a QQ channel.Adapter over the OneBot v11 reverse
// WebSocket protocol (the bot connects out to a OneBot-compliant server such
// as go-cqhttp or NapCat). No OneBot client exists in the teacher or pack
// dependencies, so this is built on gorilla/websocket directly, following
// the same Start/Stop/reconnect lifecycle shape the teacher's long-polling
// channels use (internal/channels/telegram.go).
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/types"
)

type Config struct {
	WSURL         string // e.g. ws://127.0.0.1:6700
	AccessToken   string
	AllowFrom     []string
	GroupAllowIDs []string
	DMPolicy      string // "open" | "allowlist" | "disabled"
	GroupPolicy   string // "open" | "allowlist" | "disabled"
	ReconnectWait time.Duration
}

const defaultReconnectWait = 5 * time.Second

// Channel is the OneBot v11 ChannelAdapter.
type Channel struct {
	channel.BaseAdapter

	cfg Config

	mu     sync.Mutex
	conn   *websocket.Conn
	seq    atomic.Int64
	pending sync.Map // echo string -> chan onebotAPIResponse

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) (*Channel, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("onebot: ws_url is required")
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	return &Channel{
		BaseAdapter: channel.BaseAdapter{ChannelName: "onebot"},
		cfg:         cfg,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go c.connectLoop(runCtx)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			slog.Warn("onebot.stop_timeout")
		}
	}
	return nil
}

func (c *Channel) connectLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.runConnection(ctx); err != nil {
			slog.Warn("onebot.connection_error", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *Channel) runConnection(ctx context.Context) error {
	header := map[string][]string{}
	if c.cfg.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.AccessToken}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("onebot.connected", "url", c.cfg.WSURL)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

type onebotEvent struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	SubType     string `json:"sub_type"`
	MessageID   int64  `json:"message_id"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	RawMessage  string `json:"raw_message"`
	Message     any    `json:"message"`
	Sender      struct {
		Nickname string `json:"nickname"`
	} `json:"sender"`
	Echo string `json:"echo"`
}

type onebotAPIResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var ev onebotEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Debug("onebot.parse_failed", "err", err)
		return
	}

	if ev.Echo != "" {
		if ch, ok := c.pending.LoadAndDelete(ev.Echo); ok {
			var resp onebotAPIResponse
			json.Unmarshal(data, &resp)
			ch.(chan onebotAPIResponse) <- resp
		}
		return
	}

	if ev.PostType != "message" {
		return
	}

	userID := strconv.FormatInt(ev.UserID, 10)
	isGroup := ev.MessageType == "group"

	if isGroup {
		if !c.checkPolicy(c.cfg.GroupPolicy, groupKey(ev.GroupID), c.cfg.GroupAllowIDs) {
			return
		}
	} else if !c.checkPolicy(c.cfg.DMPolicy, userID, c.cfg.AllowFrom) {
		return
	}

	chatID := userID
	if isGroup {
		chatID = groupKey(ev.GroupID)
	}

	um := &types.UnifiedMessage{
		ID:            fmt.Sprintf("onebot:%d", ev.MessageID),
		Channel:       "onebot",
		ChatID:        chatID,
		ChatType:      ev.MessageType,
		ChannelUserID: userID,
		UserID:        types.StableUserID("onebot", userID),
		PeerKind:      peerKind(isGroup),
		MessageID:     strconv.FormatInt(ev.MessageID, 10),
		Text:          ev.RawMessage,
		MessageType:   types.MessageText,
		Timestamp:     time.Now(),
		Raw:           ev,
	}

	if err := c.EmitMessage(ctx, um); err != nil {
		slog.Warn("onebot.handler_error", "err", err)
	}
}

func groupKey(groupID int64) string { return "group:" + strconv.FormatInt(groupID, 10) }

func peerKind(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "direct"
}

func (c *Channel) checkPolicy(policy, id string, allowList []string) bool {
	if policy == "" {
		policy = "open"
	}
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		for _, a := range allowList {
			if a == id {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// --- Outbound ---

func (c *Channel) call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("onebot: not connected")
	}

	echo := strconv.FormatInt(c.seq.Add(1), 10)
	respCh := make(chan onebotAPIResponse, 1)
	c.pending.Store(echo, respCh)
	defer c.pending.Delete(echo)

	payload := map[string]any{"action": action, "params": params, "echo": echo}
	data, _ := json.Marshal(payload)

	c.mu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onebot: write: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Status != "ok" && resp.RetCode != 0 {
			return nil, fmt.Errorf("onebot: action %s failed: retcode=%d", action, resp.RetCode)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("onebot: action %s timed out", action)
	}
}

func (c *Channel) SendMessage(ctx context.Context, msg types.OutgoingMessage) (string, error) {
	return c.SendText(ctx, msg.ChatID, msg.Content.Text, msg.ReplyToID)
}

func (c *Channel) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	action, params, err := c.buildSendParams(chatID, text)
	if err != nil {
		return "", err
	}
	data, err := c.call(ctx, action, params)
	if err != nil {
		return "", err
	}
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	json.Unmarshal(data, &result)
	return strconv.FormatInt(result.MessageID, 10), nil
}

func (c *Channel) buildSendParams(chatID, text string) (string, map[string]any, error) {
	if id, ok := groupID(chatID); ok {
		return "send_group_msg", map[string]any{"group_id": id, "message": text}, nil
	}
	userID, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("onebot: bad chat id %q: %w", chatID, err)
	}
	return "send_private_msg", map[string]any{"user_id": userID, "message": text}, nil
}

func groupID(chatID string) (int64, bool) {
	const prefix = "group:"
	if len(chatID) <= len(prefix) || chatID[:len(prefix)] != prefix {
		return 0, false
	}
	id, err := strconv.ParseInt(chatID[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error { return nil }

func (c *Channel) DownloadMedia(ctx context.Context, media *types.MediaFile) (string, error) {
	return "", &channel.CapabilityNotSupported{Channel: "onebot", Capability: "download_media"}
}

func (c *Channel) UploadMedia(ctx context.Context, localPath, mimeType string) (*types.MediaFile, error) {
	return &types.MediaFile{LocalPath: localPath, MimeType: mimeType, Status: types.MediaReady}, nil
}

var _ channel.Adapter = (*Channel)(nil)
