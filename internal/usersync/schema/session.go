package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Session is a catalog content item that user records annotate.
// Sessions are owned by the catalog; the sync engine only looks them up.
type Session struct {
	ID       string  `json:"id" yaml:"id"`
	Title    string  `json:"title" yaml:"title"`
	Year     int     `json:"year,omitempty" yaml:"year,omitempty"`
	Track    string  `json:"track,omitempty" yaml:"track,omitempty"`
	Duration float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Validate checks if the Session has valid field values.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("title is required")
	}
	if s.Duration < 0 {
		return fmt.Errorf("duration must not be negative (got %v)", s.Duration)
	}
	return nil
}

// Filename returns the canonical filename for this session: {id}.json
func (s *Session) Filename() string {
	return fmt.Sprintf("%s.json", s.ID)
}

// IsSessionFile reports whether path has an extension ReadSessionFile understands.
func IsSessionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ReadSessionFile reads and parses a session file (JSON or YAML).
// A single file may hold one session or a list of sessions.
func ReadSessionFile(path string) ([]*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	var sessions []*Session
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		sessions, err = decodeSessions(data, yaml.Unmarshal)
	default:
		sessions, err = decodeSessions(data, json.Unmarshal)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}

	for _, s := range sessions {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("invalid session in %s: %w", path, err)
		}
	}

	return sessions, nil
}

func decodeSessions(data []byte, unmarshal func([]byte, any) error) ([]*Session, error) {
	var list []*Session
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}

	var single Session
	if err := unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []*Session{&single}, nil
}

// WriteSessionFile writes a Session to dir as pretty-printed JSON.
func WriteSessionFile(dir string, s *Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid session: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", s.ID, err)
	}

	path := filepath.Join(dir, s.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file %s: %w", path, err)
	}

	return nil
}

// ReadAllSessionFiles reads every session file in dir.
// Invalid files are skipped with a warning to stderr.
func ReadAllSessionFiles(dir string) ([]*Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !IsSessionFile(entry.Name()) {
			continue
		}

		parsed, err := ReadSessionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid session file %s: %v\n", entry.Name(), err)
			continue
		}

		sessions = append(sessions, parsed...)
	}

	return sessions, nil
}
