// Package wecombot implements the WeWork-Bot (WeChat Work group robot)
// channel.Adapter: a JSON HTTP callback with AES-256-CBC encrypted payloads
// (receiveid is always the empty string for group-bot messages, unlike the
// self-built-app WeWork channel), active push via response_url, and the
// streaming-reply protocol that exercises the stream session registry.
// Grounded on original_source/.../adapters/wework_bot.py's documented
// message shapes and crypto scheme; the original file available in the
// retrieval pack is a header stub, so the HTTP wiring below follows the
// teacher's own webhook-adapter shape (internal/channels/feishu.go) instead.
package wecombot

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/stream"
	"github.com/nextlevelbuilder/akitagw/internal/types"
)

type Config struct {
	Token          string
	EncodingAESKey string // 43-char base64, decodes to a 32-byte AES key
	CallbackPort   int
	CallbackPath   string
}

const (
	defaultCallbackPort = 3100
	defaultCallbackPath = "/wecombot/callback"
)

// Channel is the WeWork-Bot ChannelAdapter. Unlike the request/response
// channels, every callback is answered at once with a stream reply; the
// stream session is tracked in streams and its content is served through
// the registry's RefreshStream (spec C7).
type Channel struct {
	channel.BaseAdapter

	cfg     Config
	aesKey  []byte
	streams *stream.Registry

	httpServer *http.Server
}

func New(cfg Config) (*Channel, error) {
	key, err := decodeAESKey(cfg.EncodingAESKey)
	if err != nil {
		return nil, fmt.Errorf("wecombot: %w", err)
	}
	c := &Channel{
		BaseAdapter: channel.BaseAdapter{ChannelName: "wecombot"},
		cfg:         cfg,
		aesKey:      key,
	}
	c.streams = stream.NewRegistry(stream.DefaultConfig(), c.onStreamFinalize)
	return c, nil
}

func decodeAESKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("encoding_aes_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(encoded + "=")
	if err != nil {
		return nil, fmt.Errorf("decode encoding_aes_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding_aes_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// StreamRegistry exposes the stream-session arena so the gateway can route
// progress events for this channel into a live stream instead of discrete
// chat messages.
func (c *Channel) StreamRegistry() *stream.Registry { return c.streams }

func (c *Channel) Start(ctx context.Context) error {
	port := c.cfg.CallbackPort
	if port <= 0 {
		port = defaultCallbackPort
	}
	path := c.cfg.CallbackPath
	if path == "" {
		path = defaultCallbackPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleCallback)
	c.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("wecombot.callback_server_error", "err", err)
		}
	}()

	c.streams.StartSweeper()
	c.SetRunning(true)
	slog.Info("wecombot.callback_listening", "port", port, "path", path)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	c.streams.Stop()
	if c.httpServer != nil {
		return c.httpServer.Shutdown(ctx)
	}
	return nil
}

type inboundEnvelope struct {
	Encrypt string `json:"encrypt"`
}

type inboundMessage struct {
	MsgID       string `json:"msgid"`
	ChatID      string `json:"chatid"`
	From        struct{ UserID string `json:"userid"` } `json:"from"`
	MsgType     string `json:"msgtype"`
	Text        struct{ Content string `json:"content"` } `json:"text"`
	Image       struct{ URL string `json:"url"` } `json:"image"`
	ResponseURL string `json:"response_url"`
}

func (c *Channel) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Encrypt == "" {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	plain, err := c.decrypt(env.Encrypt)
	if err != nil {
		slog.Warn("wecombot.decrypt_failed", "err", err)
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}

	um := &types.UnifiedMessage{
		ID:            fmt.Sprintf("wecombot:%s", msg.MsgID),
		Channel:       "wecombot",
		ChatID:        msg.ChatID,
		ChatType:      "group",
		ChannelUserID: msg.From.UserID,
		UserID:        types.StableUserID("wecombot", msg.From.UserID),
		PeerKind:      "group",
		MessageID:     msg.MsgID,
		MessageType:   types.MessageText,
		Timestamp:     time.Now(),
		Raw:           msg,
	}
	switch msg.MsgType {
	case "text":
		um.Text = msg.Text.Content
	case "image":
		um.MessageType = types.MessageImage
		um.Content.Images = []*types.MediaFile{{URL: msg.Image.URL, Status: types.MediaPending}}
	default:
		um.Text = fmt.Sprintf("[%s message]", msg.MsgType)
	}

	sess := c.streams.Open(msg.ChatID, um.UserID, msg.MsgID, msg.ResponseURL)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"msgtype": "stream",
		"stream":  map[string]string{"id": sess.ID},
	})

	if err := c.EmitMessage(r.Context(), um); err != nil {
		slog.Warn("wecombot.handler_error", "err", err)
	}
}

// onStreamFinalize pushes the settled stream content to response_url, the
// WeWork-Bot active-reply channel, since the finalizing refresh reply alone
// is not guaranteed to reach the client once the poll window has closed.
func (c *Channel) onStreamFinalize(s *stream.Session) {
	if s.ResponseURL == "" || s.Content == "" {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": s.Content},
	})
	req, err := http.NewRequest(http.MethodPost, s.ResponseURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("wecombot.response_url_failed", "err", err)
		return
	}
	resp.Body.Close()
}

// RefreshStream answers a WeWork stream-refresh poll for the given id,
// following spec §4.7's decision table.
func (c *Channel) RefreshStream(id string) stream.RefreshResult {
	return c.streams.Refresh(id, time.Now())
}

// --- Outbound ---

func (c *Channel) SendMessage(ctx context.Context, msg types.OutgoingMessage) (string, error) {
	sess, ok := c.streams.GetByPeer(msg.ChatID, "")
	if !ok {
		return "", &channel.CapabilityNotSupported{Channel: "wecombot", Capability: "send_message_without_stream"}
	}
	sess.SendMessage(msg.Content.Text)
	for _, img := range msg.Content.Images {
		c.enqueueStreamImage(sess, img)
	}
	return sess.ID, nil
}

// enqueueStreamImage prepares one attached image per §4.7's constraints
// (size cap, JPEG/PNG auto-convert) and appends it to the stream's pending
// queue, logging rather than failing the whole reply on a single bad image.
func (c *Channel) enqueueStreamImage(sess *stream.Session, img *types.MediaFile) {
	if img == nil || img.LocalPath == "" {
		return
	}
	payload, md5Hex, err := stream.PrepareImageFile(img.LocalPath)
	if err != nil {
		slog.Warn("wecombot.image_enqueue_failed", "path", img.LocalPath, "err", err)
		return
	}
	sess.EnqueueImage(payload, md5Hex)
}

func (c *Channel) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	return c.SendMessage(ctx, types.OutgoingMessage{ChatID: chatID, Content: types.MessageContent{Text: text}})
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error { return nil }

func (c *Channel) DownloadMedia(ctx context.Context, media *types.MediaFile) (string, error) {
	return "", &channel.CapabilityNotSupported{Channel: "wecombot", Capability: "download_media"}
}

func (c *Channel) UploadMedia(ctx context.Context, localPath, mimeType string) (*types.MediaFile, error) {
	return &types.MediaFile{LocalPath: localPath, MimeType: mimeType, Status: types.MediaReady}, nil
}

// --- Crypto ---
//
// WeWork-Bot's callback payload is AES-256-CBC encrypted with a random
// 16-byte prefix, a 4-byte big-endian content length, the JSON content, and
// a trailing receiveid that is always empty for group-bot messages.

func (c *Channel) decrypt(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	iv := c.aesKey[:aes.BlockSize]
	mode := cipher.NewCBCDecrypter(block, iv)
	plain := make([]byte, len(ciphertext))
	mode.CryptBlocks(plain, ciphertext)
	plain = pkcs7Unpad(plain)

	if len(plain) < 20 {
		return nil, fmt.Errorf("decrypted payload too short")
	}
	contentLen := binary.BigEndian.Uint32(plain[16:20])
	if int(20+contentLen) > len(plain) {
		return nil, fmt.Errorf("content length out of range")
	}
	return plain[20 : 20+contentLen], nil
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

var _ channel.Adapter = (*Channel)(nil)
