package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend is the default Store backend: one JSON file per session,
// written atomically (temp file + fsync + rename), a direct port of the
// teacher's sessions.Manager.Save/loadAll.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

type fileRecord struct {
	Key              string         `json:"key"`
	Messages         []json.RawMessage `json:"messages"`
	Summary          string         `json:"summary,omitempty"`
	Created          string         `json:"created"`
	Updated          string         `json:"updated"`
	Model            string         `json:"model,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	InputTokens      int64          `json:"inputTokens,omitempty"`
	OutputTokens     int64          `json:"outputTokens,omitempty"`
	ContextWindow    int            `json:"contextWindow,omitempty"`
	LastPromptTokens int            `json:"lastPromptTokens,omitempty"`
	LastMessageCount int            `json:"lastMessageCount,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (b *FileBackend) Load() (map[string]*Session, error) {
	out := make(map[string]*Session)
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return out, nil
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			continue
		}
		s, err := decodeSession(data)
		if err != nil {
			continue
		}
		out[s.Key] = s
	}
	return out, nil
}

func (b *FileBackend) Save(s *Session) error {
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	name := SanitizeFilename(s.Key)
	if name == "." || strings.ContainsAny(name, `/\`) {
		return os.ErrInvalid
	}
	dest := filepath.Join(b.dir, name+".json")

	tmp, err := os.CreateTemp(b.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, dest); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (b *FileBackend) Delete(key string) error {
	name := SanitizeFilename(key)
	err := os.Remove(filepath.Join(b.dir, name+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
