package types

import (
	"strings"
	"testing"
)

// TestPlainTextNeverEmptyForNonEmptyContent is spec §8 property 7: for any
// content with non-empty components, plain_text(C) is non-empty.
func TestPlainTextNeverEmptyForNonEmptyContent(t *testing.T) {
	tests := []struct {
		name string
		msg  UnifiedMessage
	}{
		{"text only", UnifiedMessage{Text: "hello"}},
		{"image only", UnifiedMessage{Content: MessageContent{Images: []*MediaFile{{Filename: "cat.png", Status: MediaReady}}}}},
		{"failed voice", UnifiedMessage{Content: MessageContent{Voice: &MediaFile{Status: MediaFailed}}}},
		{"ready voice with duration", UnifiedMessage{Content: MessageContent{Voice: &MediaFile{Status: MediaReady, DurationSec: 12}}}},
		{"file only", UnifiedMessage{Content: MessageContent{Files: []*MediaFile{{Filename: "report.pdf", Status: MediaReady}}}}},
		{"mixed text and media", UnifiedMessage{Text: "check this out", Content: MessageContent{Images: []*MediaFile{{Status: MediaReady}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.msg.PlainText()
			if got == "" {
				t.Fatalf("PlainText() returned empty string for non-empty content")
			}
		})
	}
}

func TestPlainTextEmptyMessagePlaceholder(t *testing.T) {
	m := UnifiedMessage{}
	if got := m.PlainText(); got != "[empty message]" {
		t.Errorf("expected [empty message] placeholder, got %q", got)
	}
}

// TestPlainTextFailedMediaNeverEmptyPlaceholder verifies failed media render
// as a bracketed marker rather than silently vanishing (spec §4.1).
func TestPlainTextFailedMediaNeverEmptyPlaceholder(t *testing.T) {
	m := UnifiedMessage{Content: MessageContent{Voice: &MediaFile{Status: MediaFailed, DurationSec: 5}}}
	got := m.PlainText()
	if !strings.Contains(got, "voice") {
		t.Errorf("expected a voice placeholder for failed voice media, got %q", got)
	}
}

func TestPlainTextVoiceDuration(t *testing.T) {
	m := UnifiedMessage{Content: MessageContent{Voice: &MediaFile{Status: MediaReady, DurationSec: 7.6}}}
	got := m.PlainText()
	if !strings.Contains(got, "8 seconds") {
		t.Errorf("expected rounded duration '8 seconds' in %q", got)
	}
}

func TestPlainTextAppendsVoiceAfterText(t *testing.T) {
	m := UnifiedMessage{Text: "listen to this", Content: MessageContent{Voice: &MediaFile{Status: MediaReady, DurationSec: 3}}}
	got := m.PlainText()
	if !strings.HasPrefix(got, "listen to this\n") {
		t.Errorf("expected original text preserved as a prefix, got %q", got)
	}
}

func TestStableUserIDPrefixAvoidsCollisions(t *testing.T) {
	a := StableUserID("telegram", "12345")
	b := StableUserID("feishu", "12345")
	if a == b {
		t.Fatalf("expected distinct stable ids across channels for the same native id, got %q == %q", a, b)
	}
	if !strings.HasPrefix(a, "telegram:") {
		t.Errorf("expected channel-prefixed id, got %q", a)
	}
}

func TestAllMediaCollectsEveryKind(t *testing.T) {
	c := MessageContent{
		Images: []*MediaFile{{Filename: "a.png"}, {Filename: "b.png"}},
		Voice:  &MediaFile{Filename: "v.ogg"},
		Files:  []*MediaFile{{Filename: "f.pdf"}},
	}
	all := c.AllMedia()
	if len(all) != 4 {
		t.Fatalf("expected 4 media items (2 images + voice + file), got %d", len(all))
	}
}

func TestMediaFileIsReady(t *testing.T) {
	var nilMedia *MediaFile
	if nilMedia.IsReady() {
		t.Error("nil MediaFile must never report ready")
	}
	m := &MediaFile{Status: MediaReady}
	if m.IsReady() {
		t.Error("a ready MediaFile without a LocalPath violates the MediaFile invariant (ready implies local_path exists)")
	}
	m.LocalPath = "/tmp/x.png"
	if !m.IsReady() {
		t.Error("expected ready with both status=ready and a local path")
	}
}
