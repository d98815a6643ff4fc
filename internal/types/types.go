// Package types defines the unified message shapes shared by every channel
// adapter, the gateway, and the agent loop.
package types

import (
	"strconv"
	"time"
)

// MessageType classifies the payload carried by a UnifiedMessage.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageVoice   MessageType = "voice"
	MessageFile    MessageType = "file"
	MessageMixed   MessageType = "mixed"
	MessageSystem  MessageType = "system"
	MessageUnknown MessageType = "unknown"
)

// MediaStatus tracks how far a MediaFile has gotten through download/upload.
type MediaStatus string

const (
	MediaPending MediaStatus = "pending"
	MediaReady   MediaStatus = "ready"
	MediaFailed  MediaStatus = "failed"
)

// MediaFile describes an image/voice/file attachment, either inbound (still
// referenced by a channel-native file ID) or already materialized on disk.
type MediaFile struct {
	Filename    string      `json:"filename"`
	MimeType    string      `json:"mime_type"`
	ChannelFileID string    `json:"channel_file_id,omitempty"`
	LocalPath   string      `json:"local_path,omitempty"`
	URL         string      `json:"url,omitempty"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
	DurationSec float64     `json:"duration_sec,omitempty"` // voice/video duration
	Status      MediaStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
}

// IsReady reports whether the media file has a usable local path.
func (m *MediaFile) IsReady() bool {
	return m != nil && m.Status == MediaReady && m.LocalPath != ""
}

// MessageContent bundles the text and all attached media of one message.
type MessageContent struct {
	Text   string       `json:"text,omitempty"`
	Images []*MediaFile `json:"images,omitempty"`
	Voice  *MediaFile   `json:"voice,omitempty"`
	Files  []*MediaFile `json:"files,omitempty"`
}

// AllMedia returns every attached media file regardless of kind.
func (c *MessageContent) AllMedia() []*MediaFile {
	var out []*MediaFile
	out = append(out, c.Images...)
	if c.Voice != nil {
		out = append(out, c.Voice)
	}
	out = append(out, c.Files...)
	return out
}

// UnifiedMessage is the channel-agnostic representation of an inbound IM
// message, produced by every ChannelAdapter before it reaches the gateway.
type UnifiedMessage struct {
	ID            string         `json:"id"`
	Channel       string         `json:"channel"`
	ChatID        string         `json:"chat_id"`
	ChatType      string         `json:"chat_type"` // "private" | "group" | "channel"
	UserID        string         `json:"user_id"`   // stable, channel-prefixed: "<channel>:<channel_user_id>"
	ChannelUserID string         `json:"channel_user_id"`
	PeerKind      string         `json:"peer_kind"` // "direct" or "group", derived from ChatType
	MessageID     string         `json:"message_id"`
	MessageType   MessageType    `json:"message_type"`
	Text          string         `json:"text,omitempty"`
	Content       MessageContent `json:"content"`
	ReplyToID     string         `json:"reply_to_id,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Raw           any            `json:"-"`
}

// StableUserID prefixes a channel-native user id with its channel tag so
// the same numeric/string id from two different platforms never collides.
func StableUserID(channel, channelUserID string) string {
	return channel + ":" + channelUserID
}

// PlainText renders the message as an LLM-consumable string, substituting a
// bracketed placeholder for any media that failed to download rather than
// silently emitting an empty string.
func (m *UnifiedMessage) PlainText() string {
	text := m.Text
	for _, img := range m.Content.Images {
		text = appendPlaceholder(text, mediaPlaceholder(img, "image"))
	}
	if m.Content.Voice != nil {
		text = appendPlaceholder(text, mediaPlaceholder(m.Content.Voice, "voice"))
	}
	for _, f := range m.Content.Files {
		text = appendPlaceholder(text, mediaPlaceholder(f, "file"))
	}
	if text == "" {
		return "[empty message]"
	}
	return text
}

// mediaPlaceholder renders the fixed plain-text projection for one media
// item: "[image: <filename>]" / "[voice: <duration> seconds]" (or "[voice
// message]" when the duration is unknown) / "[file: <filename>]", whether or
// not the download succeeded — a failed download still carries a
// filename or duration worth surfacing to the agent, so the placeholder
// shape does not change on failure (spec §4.1).
func mediaPlaceholder(m *MediaFile, kind string) string {
	if m == nil {
		return ""
	}
	if kind == "voice" {
		if m.DurationSec > 0 {
			return "[voice: " + formatSeconds(m.DurationSec) + " seconds]"
		}
		return "[voice message]"
	}
	name := m.Filename
	if name == "" {
		name = "unnamed"
	}
	return "[" + kind + ": " + name + "]"
}

func appendPlaceholder(text, placeholder string) string {
	if placeholder == "" {
		return text
	}
	if text == "" {
		return placeholder
	}
	return text + "\n" + placeholder
}

func formatSeconds(d float64) string {
	if d <= 0 {
		return "0"
	}
	return strconv.Itoa(int(d + 0.5))
}

// OutgoingMessage is built by the agent/gateway and handed to a ChannelAdapter
// for delivery.
type OutgoingMessage struct {
	ChatID         string         `json:"chat_id"`
	Content        MessageContent `json:"content"`
	ParseMode      string         `json:"parse_mode,omitempty"` // "markdown" | "html" | "none"
	ReplyToID      string         `json:"reply_to_id,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	DisablePreview bool           `json:"disable_preview,omitempty"`
	Silent         bool           `json:"silent,omitempty"`
	AsVoice        bool           `json:"as_voice,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TextMessage builds a plain-text OutgoingMessage, mirroring the teacher's
// convenience constructors on ChannelAdapter.
func TextMessage(chatID, text string, replyTo string) OutgoingMessage {
	return OutgoingMessage{ChatID: chatID, Content: MessageContent{Text: text}, ReplyToID: replyTo}
}

// ImageMessage builds an OutgoingMessage carrying a single local image path.
func ImageMessage(chatID, imagePath, caption string, replyTo string) OutgoingMessage {
	return OutgoingMessage{
		ChatID:    chatID,
		Content:   MessageContent{Text: caption, Images: []*MediaFile{{LocalPath: imagePath, Status: MediaReady}}},
		ReplyToID: replyTo,
	}
}
