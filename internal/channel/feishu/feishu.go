package feishu

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/types"
)

const (
	defaultTextChunkLimit = 4000
	defaultWebhookPort    = 3000
	defaultWebhookPath    = "/feishu/events"
	senderCacheTTL        = 10 * time.Minute
	dedupTTL              = 5 * time.Minute
)

// Config is the subset of the teacher's FeishuConfig this adapter reads.
// Connection is webhook-only: the teacher's WebSocket long-connection client
// was not present in the retrieval pack and no third-party lark SDK exists
// in the dependency pool to implement Feishu's private frame protocol from
// scratch, so this adapter speaks the documented HTTP event-callback mode.
type Config struct {
	AppID             string
	AppSecret         string
	Domain            string // "feishu" | "lark", default "lark"
	VerificationToken string
	EncryptKey        string
	WebhookPort       int
	WebhookPath       string
	AllowFrom         []string
	GroupAllowFrom    []string
	DMPolicy          string // "open" | "allowlist" | "disabled", default "open"
	GroupPolicy       string // "open" | "allowlist" | "disabled", default "open"
	RequireMention    *bool
	HistoryLimit      int
	TextChunkLimit    int
}

type senderCacheEntry struct {
	name      string
	expiresAt time.Time
}

// Channel is the Feishu/Lark ChannelAdapter.
type Channel struct {
	channel.BaseAdapter

	cfg       Config
	client    *larkClient
	botOpenID string

	senderCache sync.Map // open_id -> *senderCacheEntry
	dedup       sync.Map // message_id -> time.Time

	httpServer *http.Server
}

func New(cfg Config) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu: app_id and app_secret are required")
	}
	return &Channel{
		BaseAdapter: channel.BaseAdapter{ChannelName: "feishu"},
		cfg:         cfg,
		client:      newLarkClient(cfg.AppID, cfg.AppSecret, resolveDomain(cfg.Domain)),
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	if openID, err := c.client.GetBotInfo(ctx); err != nil {
		slog.Warn("feishu.probe_failed", "err", err)
	} else {
		c.botOpenID = openID
		slog.Info("feishu.connected", "bot_open_id", openID)
	}

	port := c.cfg.WebhookPort
	if port <= 0 {
		port = defaultWebhookPort
	}
	path := c.cfg.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleWebhook)
	c.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu.webhook_server_error", "err", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("feishu.webhook_listening", "port", port, "path", path)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		return c.httpServer.Shutdown(ctx)
	}
	return nil
}

// --- Webhook intake ---

type eventEnvelope struct {
	Schema    string          `json:"schema"`
	Header    eventHeader     `json:"header"`
	Event     json.RawMessage `json:"event"`
	Encrypt   string          `json:"encrypt"`
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Token     string          `json:"token"`
}

type eventHeader struct {
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

type messageEvent struct {
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		RootID      string `json:"root_id"`
		ParentID    string `json:"parent_id"`
		Mentions    []struct {
			Key  string `json:"key"`
			ID   struct{ OpenID string `json:"open_id"` } `json:"id"`
			Name string `json:"name"`
		} `json:"mentions"`
	} `json:"message"`
	Sender struct {
		SenderID struct{ OpenID string `json:"open_id"` } `json:"sender_id"`
	} `json:"sender"`
}

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	if c.cfg.EncryptKey != "" {
		body, err = c.decryptWrapped(body)
		if err != nil {
			slog.Warn("feishu.decrypt_failed", "err", err)
			http.Error(w, "decrypt failed", http.StatusBadRequest)
			return
		}
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if env.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if c.cfg.VerificationToken != "" && env.Header.Token != c.cfg.VerificationToken && env.Token != c.cfg.VerificationToken {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	w.WriteHeader(http.StatusOK)

	if env.Header.EventType != "im.message.receive_v1" {
		return
	}
	var ev messageEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		slog.Debug("feishu.parse_event_failed", "err", err)
		return
	}
	c.handleMessageEvent(r.Context(), &ev)
}

func (c *Channel) decryptWrapped(body []byte) ([]byte, error) {
	var wrapper struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Encrypt == "" {
		return body, nil
	}
	raw, err := base64.StdEncoding.DecodeString(wrapper.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("decode encrypt payload: %w", err)
	}
	key := sha256.Sum256([]byte(c.cfg.EncryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	if len(raw) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]
	mode := cipher.NewCBCDecrypter(block, iv)
	plain := make([]byte, len(ciphertext))
	mode.CryptBlocks(plain, ciphertext)
	plain = pkcs7Unpad(plain)
	return plain, nil
}

func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad <= 0 || pad > len(data) {
		return data
	}
	return data[:len(data)-pad]
}

// --- Message handling ---

func (c *Channel) isDuplicate(messageID string) bool {
	now := time.Now()
	if v, loaded := c.dedup.LoadOrStore(messageID, now); loaded {
		if seen, ok := v.(time.Time); ok && now.Sub(seen) < dedupTTL {
			return true
		}
	}
	return false
}

func (c *Channel) handleMessageEvent(ctx context.Context, ev *messageEvent) {
	messageID := ev.Message.MessageID
	if messageID == "" || c.isDuplicate(messageID) {
		return
	}

	isGroup := ev.Message.ChatType == "group"
	senderID := ev.Sender.SenderID.OpenID

	if isGroup {
		if !c.checkPolicy(c.cfg.GroupPolicy, senderID, c.cfg.GroupAllowFrom) {
			return
		}
	} else if !c.checkPolicy(c.cfg.DMPolicy, senderID, c.cfg.AllowFrom) {
		return
	}

	content := parseMessageContent(ev.Message.Content, ev.Message.MessageType)
	mentionedBot := false
	for _, m := range ev.Message.Mentions {
		if c.botOpenID != "" && m.ID.OpenID == c.botOpenID {
			mentionedBot = true
			if m.Key != "" {
				content = strings.TrimSpace(strings.ReplaceAll(content, m.Key, ""))
			}
		}
	}

	requireMention := true
	if c.cfg.RequireMention != nil {
		requireMention = *c.cfg.RequireMention
	}
	if isGroup && requireMention && !mentionedBot {
		return
	}

	chatID := ev.Message.ChatID
	if ev.Message.RootID != "" {
		chatID = chatID + ":topic:" + ev.Message.RootID
	}

	if isGroup {
		if name := c.resolveSenderName(ctx, senderID); name != "" {
			content = fmt.Sprintf("[From: %s]\n%s", name, content)
		}
	}

	um := &types.UnifiedMessage{
		ID:            fmt.Sprintf("feishu:%s", messageID),
		Channel:       "feishu",
		ChatID:        chatID,
		ChatType:      ev.Message.ChatType,
		ChannelUserID: senderID,
		UserID:        types.StableUserID("feishu", senderID),
		PeerKind:      peerKind(isGroup),
		MessageID:     messageID,
		Text:          content,
		MessageType:   types.MessageText,
		ThreadID:      ev.Message.RootID,
		Timestamp:     time.Now(),
		Raw:           ev,
	}
	if ev.Message.MessageType == "image" {
		um.MessageType = types.MessageImage
	}

	if err := c.EmitMessage(ctx, um); err != nil {
		slog.Warn("feishu.handler_error", "err", err)
	}
}

func peerKind(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "direct"
}

func (c *Channel) checkPolicy(policy, senderID string, allowList []string) bool {
	if policy == "" {
		policy = "open"
	}
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		for _, a := range allowList {
			if a == senderID {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func parseMessageContent(raw, messageType string) string {
	if raw == "" {
		return ""
	}
	switch messageType {
	case "text":
		var m struct {
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(raw), &m) == nil {
			return m.Text
		}
		return raw
	case "post":
		return parsePostContent(raw)
	case "image":
		return "[image]"
	case "file":
		var m struct {
			FileName string `json:"file_name"`
		}
		if json.Unmarshal([]byte(raw), &m) == nil {
			return fmt.Sprintf("[file: %s]", m.FileName)
		}
		return "[file]"
	default:
		return fmt.Sprintf("[%s message]", messageType)
	}
}

func parsePostContent(raw string) string {
	var post map[string]any
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return raw
	}
	var langContent any
	for _, lang := range []string{"zh_cn", "en_us"} {
		if lc, ok := post[lang]; ok {
			langContent = lc
			break
		}
	}
	if langContent == nil {
		for _, v := range post {
			langContent = v
			break
		}
	}
	langMap, ok := langContent.(map[string]any)
	if !ok {
		return raw
	}
	contentArr, ok := langMap["content"].([]any)
	if !ok {
		return raw
	}
	var lines []string
	for _, para := range contentArr {
		paraArr, ok := para.([]any)
		if !ok {
			continue
		}
		var parts []string
		for _, elem := range paraArr {
			em, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			switch em["tag"] {
			case "text", "md":
				if t, ok := em["text"].(string); ok {
					parts = append(parts, t)
				}
			case "at":
				if n, ok := em["user_name"].(string); ok {
					parts = append(parts, "@"+n)
				}
			case "a":
				href, _ := em["href"].(string)
				text, _ := em["text"].(string)
				if text != "" {
					parts = append(parts, fmt.Sprintf("[%s](%s)", text, href))
				} else {
					parts = append(parts, href)
				}
			case "img":
				parts = append(parts, "[image]")
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}

func (c *Channel) resolveSenderName(ctx context.Context, openID string) string {
	if openID == "" {
		return ""
	}
	if entry, ok := c.senderCache.Load(openID); ok {
		e := entry.(*senderCacheEntry)
		if time.Now().Before(e.expiresAt) {
			return e.name
		}
		c.senderCache.Delete(openID)
	}
	name, err := c.client.GetUser(ctx, openID, "open_id")
	if err != nil {
		slog.Debug("feishu.resolve_sender_failed", "open_id", openID, "err", err)
		return ""
	}
	c.senderCache.Store(openID, &senderCacheEntry{name: name, expiresAt: time.Now().Add(senderCacheTTL)})
	return name
}

// --- Outbound ---

func (c *Channel) SendMessage(ctx context.Context, msg types.OutgoingMessage) (string, error) {
	chatID, _, _ := strings.Cut(msg.ChatID, ":topic:")
	return c.SendText(ctx, chatID, msg.Content.Text, msg.ReplyToID)
}

func (c *Channel) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	if text == "" {
		return "", nil
	}
	limit := c.cfg.TextChunkLimit
	if limit <= 0 {
		limit = defaultTextChunkLimit
	}
	receiveIDType := resolveReceiveIDType(chatID)

	var lastID string
	for len(text) > 0 {
		chunk := text
		if len(chunk) > limit {
			cutAt := limit
			if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		resp, err := c.client.SendMessage(ctx, receiveIDType, chatID, "post", buildPostContent(chunk))
		if err != nil {
			return "", fmt.Errorf("feishu: send text: %w", err)
		}
		lastID = resp.MessageID
	}
	return lastID, nil
}

func (c *Channel) SendFile(ctx context.Context, chatID, filePath, caption string) (string, error) {
	return "", &channel.CapabilityNotSupported{Channel: "feishu", Capability: "send_file"}
}

func (c *Channel) SendVoice(ctx context.Context, chatID, voicePath, caption string) (string, error) {
	return "", &channel.CapabilityNotSupported{Channel: "feishu", Capability: "send_voice"}
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return nil
}

func (c *Channel) DownloadMedia(ctx context.Context, media *types.MediaFile) (string, error) {
	return "", &channel.CapabilityNotSupported{Channel: "feishu", Capability: "download_media"}
}

func (c *Channel) UploadMedia(ctx context.Context, localPath, mimeType string) (*types.MediaFile, error) {
	return &types.MediaFile{LocalPath: localPath, MimeType: mimeType, Status: types.MediaReady}, nil
}

func buildPostContent(text string) string {
	content := map[string]any{
		"zh_cn": map[string]any{
			"content": [][]map[string]any{{{"tag": "md", "text": text}}},
		},
	}
	data, _ := json.Marshal(content)
	return string(data)
}

var _ channel.Adapter = (*Channel)(nil)
