// Package channel defines the contract every IM platform adapter implements:
// Telegram, Feishu, WeWork-Bot, QQ OneBot, DingTalk.
package channel

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/akitagw/internal/types"
)

// CapabilityNotSupported is returned by an adapter's optional methods
// (SendFile, SendVoice, ...) when the underlying platform has no equivalent.
// The gateway treats it as a soft failure: log and continue, never crash the turn.
type CapabilityNotSupported struct {
	Channel    string
	Capability string
}

func (e *CapabilityNotSupported) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Channel, e.Capability)
}

// ErrCapabilityNotSupported reports whether err is a CapabilityNotSupported,
// regardless of which channel/capability produced it.
func ErrCapabilityNotSupported(err error) bool {
	_, ok := err.(*CapabilityNotSupported)
	return ok
}

// MessageHandler is invoked by an adapter whenever it receives an inbound
// UnifiedMessage.
type MessageHandler func(context.Context, *types.UnifiedMessage) error

// EventHandler is invoked for platform events that aren't ordinary messages
// (member changes, group renames, etc).
type EventHandler func(ctx context.Context, eventType string, data map[string]any) error

// Adapter is the interface every channel implementation must satisfy.
// Optional capabilities (file/voice/typing/chat-info) return
// CapabilityNotSupported rather than panicking or silently no-oping, except
// SendTyping which degrades to a no-op like the reference implementation.
type Adapter interface {
	Name() string
	IsRunning() bool

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, msg types.OutgoingMessage) (string, error)
	SendText(ctx context.Context, chatID, text, replyTo string) (string, error)

	DownloadMedia(ctx context.Context, media *types.MediaFile) (string, error)
	UploadMedia(ctx context.Context, localPath, mimeType string) (*types.MediaFile, error)

	OnMessage(h MessageHandler)
	OnEvent(h EventHandler)

	// Optional capabilities. Default implementations in BaseAdapter return
	// CapabilityNotSupported (or no-op for typing), exactly mirroring the
	// reference adapter's NotImplementedError convention.
	SendFile(ctx context.Context, chatID, filePath, caption string) (string, error)
	SendVoice(ctx context.Context, chatID, voicePath, caption string) (string, error)
	SendTyping(ctx context.Context, chatID string) error
	GetChatInfo(ctx context.Context, chatID string) (map[string]any, error)
	GetUserInfo(ctx context.Context, userID string) (map[string]any, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) (bool, error)
	EditMessage(ctx context.Context, chatID, messageID, newContent string) (bool, error)
}

// BaseAdapter implements every optional capability of Adapter as
// CapabilityNotSupported (or no-op for typing), so concrete adapters embed it
// and only override what they actually support.
type BaseAdapter struct {
	ChannelName string
	onMessage   MessageHandler
	onEvent     EventHandler
	running     bool
}

func (b *BaseAdapter) Name() string      { return b.ChannelName }
func (b *BaseAdapter) IsRunning() bool    { return b.running }
func (b *BaseAdapter) SetRunning(v bool)  { b.running = v }

func (b *BaseAdapter) OnMessage(h MessageHandler) { b.onMessage = h }
func (b *BaseAdapter) OnEvent(h EventHandler)     { b.onEvent = h }

// EmitMessage dispatches msg to the registered handler and returns the
// handler's error to the calling adapter, which logs it and keeps its
// receive loop running. With no handler registered it returns nil.
func (b *BaseAdapter) EmitMessage(ctx context.Context, msg *types.UnifiedMessage) error {
	if b.onMessage == nil {
		return nil
	}
	return b.onMessage(ctx, msg)
}

func (b *BaseAdapter) EmitEvent(ctx context.Context, eventType string, data map[string]any) error {
	if b.onEvent == nil {
		return nil
	}
	return b.onEvent(ctx, eventType, data)
}

func (b *BaseAdapter) SendFile(ctx context.Context, chatID, filePath, caption string) (string, error) {
	return "", &CapabilityNotSupported{Channel: b.ChannelName, Capability: "send_file"}
}

func (b *BaseAdapter) SendVoice(ctx context.Context, chatID, voicePath, caption string) (string, error) {
	return "", &CapabilityNotSupported{Channel: b.ChannelName, Capability: "send_voice"}
}

func (b *BaseAdapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}

func (b *BaseAdapter) GetChatInfo(ctx context.Context, chatID string) (map[string]any, error) {
	return nil, &CapabilityNotSupported{Channel: b.ChannelName, Capability: "get_chat_info"}
}

func (b *BaseAdapter) GetUserInfo(ctx context.Context, userID string) (map[string]any, error) {
	return nil, &CapabilityNotSupported{Channel: b.ChannelName, Capability: "get_user_info"}
}

func (b *BaseAdapter) DeleteMessage(ctx context.Context, chatID, messageID string) (bool, error) {
	return false, &CapabilityNotSupported{Channel: b.ChannelName, Capability: "delete_message"}
}

func (b *BaseAdapter) EditMessage(ctx context.Context, chatID, messageID, newContent string) (bool, error) {
	return false, &CapabilityNotSupported{Channel: b.ChannelName, Capability: "edit_message"}
}
