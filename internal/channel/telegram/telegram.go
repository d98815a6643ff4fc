// Package telegram implements the Telegram Bot API channel.Adapter via long
// polling, adapted from the teacher's internal/channels/telegram to the
// unified channel.Adapter/types.UnifiedMessage contract.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/types"
)

// Config is the subset of the teacher's TelegramConfig this adapter reads.
type Config struct {
	Token         string
	Proxy         string
	AllowFrom     []string
	DMPolicy      string // "allowlist" | "open" | "disabled", default "open"; any other value (including "pairing") is treated as "open"
	GroupPolicy   string // "open" | "allowlist" | "disabled", default "open"
	MediaMaxBytes int64
	CacheDir      string
}

const defaultMediaMaxBytes int64 = 20 * 1024 * 1024

// Channel is the Telegram ChannelAdapter.
type Channel struct {
	channel.BaseAdapter

	bot    *telego.Bot
	config Config

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg Config) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	return &Channel{
		BaseAdapter: channel.BaseAdapter{ChannelName: "telegram"},
		bot:         bot,
		config:      cfg,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "edited_message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram.started", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.stop_timeout")
		}
	}
	return nil
}

func (c *Channel) isAllowed(id string) bool {
	for _, a := range c.config.AllowFrom {
		if a == id {
			return true
		}
	}
	return false
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := fmt.Sprintf("%d", msg.From.ID)
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	if isGroup {
		policy := c.config.GroupPolicy
		if policy == "" {
			policy = "open"
		}
		switch policy {
		case "disabled":
			return
		case "allowlist":
			if !c.isAllowed(userID) {
				return
			}
		}
	} else {
		policy := c.config.DMPolicy
		if policy == "" {
			policy = "open"
		}
		switch policy {
		case "disabled":
			return
		case "allowlist":
			if !c.isAllowed(userID) {
				return
			}
		}
	}

	um := &types.UnifiedMessage{
		ID:            fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID),
		Channel:       "telegram",
		ChatID:        fmt.Sprintf("%d", msg.Chat.ID),
		ChatType:      msg.Chat.Type,
		ChannelUserID: userID,
		UserID:        types.StableUserID("telegram", userID),
		PeerKind:      peerKind(isGroup),
		MessageID:     fmt.Sprintf("%d", msg.MessageID),
		Text:          msg.Text,
		MessageType:   types.MessageText,
		Timestamp:     time.Unix(int64(msg.Date), 0),
		Raw:           msg,
	}

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		um.MessageType = types.MessageImage
		um.Content.Images = []*types.MediaFile{{ChannelFileID: photo.FileID, MimeType: "image/jpeg", Status: types.MediaPending}}
	case msg.Voice != nil:
		um.MessageType = types.MessageVoice
		um.Content.Voice = &types.MediaFile{
			ChannelFileID: msg.Voice.FileID,
			MimeType:      "audio/ogg",
			DurationSec:   float64(msg.Voice.Duration),
			Status:        types.MediaPending,
		}
	case msg.Document != nil:
		um.MessageType = types.MessageFile
		fname := ""
		if msg.Document.FileName != "" {
			fname = msg.Document.FileName
		}
		um.Content.Files = []*types.MediaFile{{
			ChannelFileID: msg.Document.FileID,
			Filename:      fname,
			MimeType:      msg.Document.MimeType,
			SizeBytes:     int64(msg.Document.FileSize),
			Status:        types.MediaPending,
		}}
	}

	if err := c.EmitMessage(ctx, um); err != nil {
		slog.Warn("telegram.handler_error", "err", err)
	}
}

func peerKind(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "direct"
}

func (c *Channel) SendMessage(ctx context.Context, msg types.OutgoingMessage) (string, error) {
	return c.SendText(ctx, msg.ChatID, msg.Content.Text, msg.ReplyToID)
}

func (c *Channel) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	params := tu.Message(tu.ID(id), text)
	if replyTo != "" {
		if rid, err := parseMsgID(replyTo); err == nil {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: rid})
		}
	}
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

func (c *Channel) SendFile(ctx context.Context, chatID, filePath, caption string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	sent, err := c.bot.SendDocument(ctx, &telego.SendDocumentParams{
		ChatID:   tu.ID(id),
		Document: tu.File(mustOpen(filePath)),
		Caption:  caption,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send document: %w", err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

func (c *Channel) SendVoice(ctx context.Context, chatID, voicePath, caption string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	sent, err := c.bot.SendVoice(ctx, &telego.SendVoiceParams{
		ChatID:  tu.ID(id),
		Voice:   tu.File(mustOpen(voicePath)),
		Caption: caption,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send voice: %w", err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil
	}
	return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{ChatID: tu.ID(id), Action: "typing"})
}

func (c *Channel) DownloadMedia(ctx context.Context, media *types.MediaFile) (string, error) {
	if media.ChannelFileID == "" {
		return "", fmt.Errorf("telegram: media has no file id")
	}
	maxBytes := c.config.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: media.ChannelFileID})
	if err != nil {
		return "", fmt.Errorf("telegram: get file: %w", err)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("telegram: file too large (%d > %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	resp, err := http.Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: download status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	cacheDir := c.config.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	out, err := os.CreateTemp(cacheDir, "akitagw_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("telegram: create temp file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("telegram: write temp file: %w", err)
	}
	return out.Name(), nil
}

func (c *Channel) UploadMedia(ctx context.Context, localPath, mimeType string) (*types.MediaFile, error) {
	return &types.MediaFile{LocalPath: localPath, MimeType: mimeType, Status: types.MediaReady}, nil
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

func parseMsgID(s string) (int, error) {
	var id int
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

func mustOpen(path string) *os.File {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("telegram.open_file_failed", "path", path, "err", err)
		return nil
	}
	return f
}
