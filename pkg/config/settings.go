package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsFile is the daemon's user-editable settings document, a JSON
// object served over ConfigService/GetSettings and friends. Reads and
// writes go through one mutex; updates land via a temp-file rename so a
// crash mid-write never leaves a truncated document behind.
type SettingsFile struct {
	mu   sync.Mutex
	path string
}

// NewSettingsFile wraps the settings document at path. The file does not
// need to exist yet; Get on a missing file returns an empty object.
func NewSettingsFile(path string) *SettingsFile {
	return &SettingsFile{path: path}
}

// Get returns the raw settings document.
func (s *SettingsFile) Get() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read settings %s: %w", s.path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("config: settings %s is not valid JSON", s.path)
	}
	return json.RawMessage(data), nil
}

// Update replaces the settings document. The payload must be a valid
// JSON object.
func (s *SettingsFile) Update(doc json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return fmt.Errorf("config: settings update is not a JSON object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return fmt.Errorf("config: create settings temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close settings temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("config: replace settings %s: %w", s.path, err)
	}
	return nil
}

// McpServers returns the "mcp_servers" section of the document, an empty
// array if the section is absent.
func (s *SettingsFile) McpServers() (json.RawMessage, error) {
	doc, err := s.Get()
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, fmt.Errorf("config: parse settings: %w", err)
	}
	section, ok := obj["mcp_servers"]
	if !ok {
		return json.RawMessage(`[]`), nil
	}
	return section, nil
}
