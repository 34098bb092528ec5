// Package metadata persists the sync engine's bookkeeping: the change cursor,
// the tombstone set and the two bootstrap flags.
//
// State lives in a YAML file under a versioned namespace directory so that
// every process using the same data directory observes the same values.
// Every read reloads the file under a shared file lock and every mutation is
// written through immediately under an exclusive one.
package metadata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Namespace is the versioned directory holding the state file. Bump it when
// the on-disk format changes incompatibly.
const Namespace = "usersync-v6"

const (
	stateFile     = "state.yaml"
	formatVersion = 1
)

// TombstoneKey identifies a remote record that is never applied locally.
type TombstoneKey struct {
	Owner string
	Zone  string
	Type  string
	Name  string
}

// String returns the persisted form "owner-zone-type-name".
func (k TombstoneKey) String() string {
	return fmt.Sprintf("%s-%s-%s-%s", k.Owner, k.Zone, k.Type, k.Name)
}

type state struct {
	Version             int       `yaml:"version"`
	Cursor              string    `yaml:"cursor,omitempty"`
	CreatedScope        bool      `yaml:"created_scope"`
	CreatedSubscription bool      `yaml:"created_subscription"`
	Tombstones          []string  `yaml:"tombstones,omitempty"`
	UpdatedAt           time.Time `yaml:"updated_at,omitempty"`
}

// Store is the file-backed bookkeeping store. Safe for concurrent use.
type Store struct {
	dir  string
	path string
	lock *flock.Flock

	mu sync.Mutex
}

// Open returns a Store rooted at dataDir/Namespace, creating the directory
// if needed.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, Namespace)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	path := filepath.Join(dir, stateFile)
	return &Store{
		dir:  dir,
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// load reads the state file. A missing file is an empty state.
func (s *Store) load() (*state, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &state{Version: formatVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", s.path, err)
	}
	if st.Version > formatVersion {
		return nil, fmt.Errorf("metadata %s has unsupported version %d", s.path, st.Version)
	}
	return &st, nil
}

// save writes st atomically (temp file + rename).
func (s *Store) save(st *state) error {
	st.Version = formatVersion
	st.UpdatedAt = time.Now().UTC()
	sort.Strings(st.Tombstones)

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close metadata: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}

// read loads the current state under a shared lock.
func (s *Store) read() (*state, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock metadata: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	return s.load()
}

// update applies fn to the current state and writes it back under an
// exclusive lock.
func (s *Store) update(fn func(st *state)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock metadata: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	st, err := s.load()
	if err != nil {
		return err
	}
	fn(st)
	return s.save(st)
}

// Snapshot is a point-in-time copy of the persisted bookkeeping.
type Snapshot struct {
	Cursor              []byte
	CreatedScope        bool
	CreatedSubscription bool
	Tombstones          []string
	UpdatedAt           time.Time
}

// Snapshot returns everything currently persisted.
func (s *Store) Snapshot() (*Snapshot, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	cursor, err := decodeCursor(st.Cursor)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Cursor:              cursor,
		CreatedScope:        st.CreatedScope,
		CreatedSubscription: st.CreatedSubscription,
		Tombstones:          append([]string(nil), st.Tombstones...),
		UpdatedAt:           st.UpdatedAt,
	}, nil
}

func decodeCursor(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return b, nil
}

// Cursor returns the persisted change cursor, or nil if there is none or it
// cannot be read.
func (s *Store) Cursor() []byte {
	snap, err := s.Snapshot()
	if err != nil {
		return nil
	}
	return snap.Cursor
}

// SaveCursor persists token as the current change cursor.
func (s *Store) SaveCursor(token []byte) error {
	return s.update(func(st *state) {
		if len(token) == 0 {
			st.Cursor = ""
			return
		}
		st.Cursor = base64.StdEncoding.EncodeToString(token)
	})
}

// InvalidateCursor drops the change cursor only, so the next fetch starts
// from scratch. Tombstones and flags are kept.
func (s *Store) InvalidateCursor() error {
	return s.SaveCursor(nil)
}

// CreatedScope reports whether zone creation was confirmed by the server.
func (s *Store) CreatedScope() bool {
	snap, err := s.Snapshot()
	return err == nil && snap.CreatedScope
}

// SetCreatedScope persists the zone creation flag.
func (s *Store) SetCreatedScope(v bool) error {
	return s.update(func(st *state) { st.CreatedScope = v })
}

// CreatedSubscription reports whether subscription creation was confirmed.
func (s *Store) CreatedSubscription() bool {
	snap, err := s.Snapshot()
	return err == nil && snap.CreatedSubscription
}

// SetCreatedSubscription persists the subscription creation flag.
func (s *Store) SetCreatedSubscription(v bool) error {
	return s.update(func(st *state) { st.CreatedSubscription = v })
}

// ResetScope forgets the cursor and both bootstrap flags after the zone was
// deleted remotely. Tombstones are kept.
func (s *Store) ResetScope() error {
	return s.update(func(st *state) {
		st.Cursor = ""
		st.CreatedScope = false
		st.CreatedSubscription = false
	})
}

// IsTombstoned reports whether key is in the tombstone set.
func (s *Store) IsTombstoned(key TombstoneKey) bool {
	snap, err := s.Snapshot()
	if err != nil {
		return false
	}
	k := key.String()
	i := sort.SearchStrings(snap.Tombstones, k)
	return i < len(snap.Tombstones) && snap.Tombstones[i] == k
}

// AddTombstones adds keys to the tombstone set.
func (s *Store) AddTombstones(keys ...TombstoneKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.update(func(st *state) {
		seen := make(map[string]bool, len(st.Tombstones))
		for _, k := range st.Tombstones {
			seen[k] = true
		}
		for _, key := range keys {
			k := key.String()
			if !seen[k] {
				seen[k] = true
				st.Tombstones = append(st.Tombstones, k)
			}
		}
	})
}

// Tombstones returns the tombstone set in sorted order.
func (s *Store) Tombstones() ([]string, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Tombstones, nil
}

// Clear wipes the cursor, the tombstone set and both bootstrap flags.
func (s *Store) Clear() error {
	return s.update(func(st *state) {
		*st = state{}
	})
}

// ResetLocalMetadata removes all persisted bookkeeping under dataDir.
// Used on sign-out.
func ResetLocalMetadata(dataDir string) error {
	dir := filepath.Join(dataDir, Namespace)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	return nil
}
