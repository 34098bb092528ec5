package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordType names a synchronizable record type. The value doubles as the
// record type name in the remote store.
type RecordType string

const (
	// TypeFavorite is the record type for Favorite.
	TypeFavorite RecordType = "FavoriteSyncObject"
	// TypeBookmark is the record type for Bookmark.
	TypeBookmark RecordType = "BookmarkSyncObject"
	// TypeSessionProgress is the record type for SessionProgress.
	TypeSessionProgress RecordType = "SessionProgressSyncObject"
)

// AllRecordTypes lists every synchronizable record type in the order the
// engine processes them.
func AllRecordTypes() []RecordType {
	return []RecordType{TypeFavorite, TypeBookmark, TypeSessionProgress}
}

// IsValid reports whether t is a known record type.
func (t RecordType) IsValid() bool {
	switch t {
	case TypeFavorite, TypeBookmark, TypeSessionProgress:
		return true
	}
	return false
}

// Table returns the local table that stores records of this type.
func (t RecordType) Table() string {
	switch t {
	case TypeFavorite:
		return "favorites"
	case TypeBookmark:
		return "bookmarks"
	case TypeSessionProgress:
		return "session_progress"
	}
	return ""
}

// ShortName returns a lowercase human name ("favorite", "bookmark", "progress").
func (t RecordType) ShortName() string {
	switch t {
	case TypeSessionProgress:
		return "progress"
	case TypeFavorite, TypeBookmark:
		return strings.ToLower(strings.TrimSuffix(string(t), "SyncObject"))
	}
	return string(t)
}

// ParseRecordType accepts a record type name or its short name, in any case.
func ParseRecordType(s string) (RecordType, error) {
	for _, t := range AllRecordTypes() {
		if strings.EqualFold(s, string(t)) || strings.EqualFold(s, t.ShortName()) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown record type %q", s)
}

// Record is implemented by every synchronizable record.
type Record interface {
	RecordType() RecordType
	RecordID() string
	OwnerSessionID() string
	Deleted() bool
	// RemoteFields returns the opaque system fields; empty means the record
	// has never been uploaded.
	RemoteFields() []byte
	Validate() error
}

// NewID returns a fresh record identifier.
func NewID() string {
	return strings.ToUpper(uuid.NewString())
}

// Favorite marks a session as a favorite.
type Favorite struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	IsDeleted    bool      `json:"is_deleted"`
	SystemFields []byte    `json:"-"`
}

// NewFavorite creates a favorite for the given session.
func NewFavorite(sessionID string) *Favorite {
	return &Favorite{
		ID:        NewID(),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}

func (f *Favorite) RecordType() RecordType { return TypeFavorite }
func (f *Favorite) RecordID() string       { return f.ID }
func (f *Favorite) OwnerSessionID() string { return f.SessionID }
func (f *Favorite) Deleted() bool          { return f.IsDeleted }
func (f *Favorite) RemoteFields() []byte   { return f.SystemFields }

// Validate checks if the Favorite has valid field values.
func (f *Favorite) Validate() error {
	if err := validateCommon(f.ID, f.SessionID, f.CreatedAt); err != nil {
		return fmt.Errorf("favorite: %w", err)
	}
	return nil
}

// Bookmark is a note pinned to a timecode in a session.
type Bookmark struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Body           string    `json:"body"`
	AttributedBody []byte    `json:"attributed_body,omitempty"`
	Timecode       float64   `json:"timecode"`
	Snapshot       []byte    `json:"snapshot,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
	IsDeleted      bool      `json:"is_deleted"`
	SystemFields   []byte    `json:"-"`
}

// NewBookmark creates a bookmark at timecode in the given session.
func NewBookmark(sessionID, body string, timecode float64) *Bookmark {
	now := time.Now().UTC()
	return &Bookmark{
		ID:         NewID(),
		SessionID:  sessionID,
		Body:       body,
		Timecode:   timecode,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func (b *Bookmark) RecordType() RecordType { return TypeBookmark }
func (b *Bookmark) RecordID() string       { return b.ID }
func (b *Bookmark) OwnerSessionID() string { return b.SessionID }
func (b *Bookmark) Deleted() bool          { return b.IsDeleted }
func (b *Bookmark) RemoteFields() []byte   { return b.SystemFields }

// Validate checks if the Bookmark has valid field values.
func (b *Bookmark) Validate() error {
	if err := validateCommon(b.ID, b.SessionID, b.CreatedAt); err != nil {
		return fmt.Errorf("bookmark: %w", err)
	}
	if b.Timecode < 0 {
		return fmt.Errorf("bookmark: timecode must not be negative (got %v)", b.Timecode)
	}
	return nil
}

// SessionProgress records the playback position within a session.
type SessionProgress struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	CurrentPosition  float64   `json:"current_position"`
	RelativePosition float64   `json:"relative_position"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	IsDeleted        bool      `json:"is_deleted"`
	SystemFields     []byte    `json:"-"`
}

// NewSessionProgress creates a progress record for the given session.
func NewSessionProgress(sessionID string, current, relative float64) *SessionProgress {
	now := time.Now().UTC()
	return &SessionProgress{
		ID:               NewID(),
		SessionID:        sessionID,
		CurrentPosition:  current,
		RelativePosition: relative,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (p *SessionProgress) RecordType() RecordType { return TypeSessionProgress }
func (p *SessionProgress) RecordID() string       { return p.ID }
func (p *SessionProgress) OwnerSessionID() string { return p.SessionID }
func (p *SessionProgress) Deleted() bool          { return p.IsDeleted }
func (p *SessionProgress) RemoteFields() []byte   { return p.SystemFields }

// Validate checks if the SessionProgress has valid field values.
func (p *SessionProgress) Validate() error {
	if err := validateCommon(p.ID, p.SessionID, p.CreatedAt); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	if p.CurrentPosition < 0 {
		return fmt.Errorf("progress: current position must not be negative (got %v)", p.CurrentPosition)
	}
	if p.RelativePosition < 0 || p.RelativePosition > 1 {
		return fmt.Errorf("progress: relative position must be between 0 and 1 (got %v)", p.RelativePosition)
	}
	return nil
}

func validateCommon(id, sessionID string, createdAt time.Time) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	// Records must always belong to a session
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if createdAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
