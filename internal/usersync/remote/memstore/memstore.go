// Package memstore is an in-memory remote.Store.
//
// It behaves like the real record store in the ways the sync engine cares
// about: zones must exist before use, every save issues a fresh system-field
// tag, a save whose system fields do not match the stored tag is rejected with
// the server copy attached, fetch cursors are per-zone change sequence numbers
// that can be expired wholesale, and subscribers get a push payload after
// every modifying call.
//
// Faults can be injected per operation with FailNext, which makes the store
// suitable for exercising retry and recovery paths.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/confcore/usersync/internal/usersync/remote"
)

// Op names a Store method for fault injection and call counting.
type Op string

const (
	OpAccountStatus      Op = "AccountStatus"
	OpCreateZone         Op = "CreateZone"
	OpDeleteZone         Op = "DeleteZone"
	OpCreateSubscription Op = "CreateSubscription"
	OpFetchChanges       Op = "FetchChanges"
	OpModify             Op = "Modify"
)

type entry struct {
	rec *remote.Record
	seq uint64
}

type tombstone struct {
	typ string
	seq uint64
}

type zone struct {
	epoch   string
	seq     uint64
	records map[string]*entry
	deleted map[string]tombstone
}

func newZone() *zone {
	return &zone{
		epoch:   uuid.NewString(),
		records: make(map[string]*entry),
		deleted: make(map[string]tombstone),
	}
}

type cursor struct {
	Epoch string `json:"epoch"`
	Seq   uint64 `json:"seq"`
}

// Store is an in-memory remote.Store. The zero value is not usable; call New.
type Store struct {
	mu        sync.Mutex
	account   remote.AccountStatus
	zones     map[remote.ZoneID]*zone
	subs      map[string]remote.Subscription
	listeners map[int]func(payload []byte)
	nextID    int
	faults    map[Op][]error
	calls     map[Op]int
	tokens    [][]byte
	pageSize  int
}

var _ remote.Store = (*Store)(nil)

// New creates an empty store with an available account.
func New() *Store {
	return &Store{
		account:   remote.AccountStatusAvailable,
		zones:     make(map[remote.ZoneID]*zone),
		subs:      make(map[string]remote.Subscription),
		listeners: make(map[int]func([]byte)),
		faults:    make(map[Op][]error),
		calls:     make(map[Op]int),
	}
}

// SetPageSize limits how many changes one FetchChanges call returns.
// Zero means unlimited.
func (s *Store) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetAccountStatus changes what AccountStatus reports.
func (s *Store) SetAccountStatus(status remote.AccountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = status
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// Calls returns how many times op was called, including failed calls.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FetchTokens returns the tokens passed to every FetchChanges call, in order.
func (s *Store) FetchTokens() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// begin counts a call and pops an injected fault. Must hold s.mu.
func (s *Store) begin(op Op) error {
	s.calls[op]++
	if errs := s.faults[op]; len(errs) > 0 {
		s.faults[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// Listen registers fn to receive push payloads. The returned function
// unregisters it.
func (s *Store) Listen(fn func(payload []byte)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// AccountStatus implements remote.Store.
func (s *Store) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpAccountStatus); err != nil {
		return remote.AccountStatusCouldNotDetermine, err
	}
	return s.account, nil
}

// accountErr fails calls while the account is unusable. Must hold s.mu.
func (s *Store) accountErr() error {
	if s.account != remote.AccountStatusAvailable {
		return remote.Errorf(remote.CodeNotAuthenticated, "account %s", s.account)
	}
	return nil
}

// CreateZone implements remote.Store. Creating an existing zone succeeds.
func (s *Store) CreateZone(ctx context.Context, id remote.ZoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpCreateZone); err != nil {
		return err
	}
	if err := s.accountErr(); err != nil {
		return err
	}
	if _, ok := s.zones[id]; !ok {
		s.zones[id] = newZone()
	}
	return nil
}

// DeleteZone implements remote.Store. The zone's records and subscriptions
// are dropped; later calls on it fail with zone-not-found until recreated.
func (s *Store) DeleteZone(ctx context.Context, id remote.ZoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpDeleteZone); err != nil {
		return err
	}
	if err := s.accountErr(); err != nil {
		return err
	}
	if _, ok := s.zones[id]; !ok {
		return remote.Errorf(remote.CodeZoneNotFound, "zone %s", id)
	}
	delete(s.zones, id)
	for subID, sub := range s.subs {
		if sub.Zone == id {
			delete(s.subs, subID)
		}
	}
	return nil
}

// HasZone reports whether the zone exists.
func (s *Store) HasZone(id remote.ZoneID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.zones[id]
	return ok
}

// CreateSubscription implements remote.Store.
func (s *Store) CreateSubscription(ctx context.Context, sub remote.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpCreateSubscription); err != nil {
		return err
	}
	if err := s.accountErr(); err != nil {
		return err
	}
	if _, ok := s.zones[sub.Zone]; !ok {
		return remote.Errorf(remote.CodeZoneNotFound, "zone %s", sub.Zone)
	}
	s.subs[sub.ID] = sub
	return nil
}

// HasSubscription reports whether a subscription with id exists.
func (s *Store) HasSubscription(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	return ok
}

type change struct {
	name    string
	seq     uint64
	rec     *remote.Record
	deleted *tombstone
}

// FetchChanges implements remote.Store.
func (s *Store) FetchChanges(ctx context.Context, id remote.ZoneID, token []byte) (*remote.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = append(s.tokens, append([]byte(nil), token...))

	if err := s.begin(OpFetchChanges); err != nil {
		return nil, err
	}
	if err := s.accountErr(); err != nil {
		return nil, err
	}
	z, ok := s.zones[id]
	if !ok {
		return nil, remote.Errorf(remote.CodeZoneNotFound, "zone %s", id)
	}

	var since uint64
	if token != nil {
		var c cursor
		if err := json.Unmarshal(token, &c); err != nil || c.Epoch != z.epoch {
			return nil, remote.Errorf(remote.CodeChangeTokenExpired, "token no longer valid")
		}
		since = c.Seq
	}

	var changes []change
	for name, e := range z.records {
		if e.seq > since {
			changes = append(changes, change{name: name, seq: e.seq, rec: e.rec})
		}
	}
	if token != nil {
		for name, t := range z.deleted {
			if t.seq > since {
				ts := t
				changes = append(changes, change{name: name, seq: t.seq, deleted: &ts})
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].seq < changes[j].seq })

	more := false
	if s.pageSize > 0 && len(changes) > s.pageSize {
		changes = changes[:s.pageSize]
		more = true
	}

	last := z.seq
	if more {
		last = changes[len(changes)-1].seq
	}

	out := &remote.ChangeSet{MoreComing: more}
	for _, c := range changes {
		if c.deleted != nil {
			out.Deletions = append(out.Deletions, remote.Deletion{
				ID:   remote.RecordID{Zone: id, Name: c.name},
				Type: c.deleted.typ,
			})
			continue
		}
		out.Records = append(out.Records, c.rec.Clone())
	}

	tok, err := json.Marshal(cursor{Epoch: z.epoch, Seq: last})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}
	out.Token = tok
	return out, nil
}

// Modify implements remote.Store.
func (s *Store) Modify(ctx context.Context, id remote.ZoneID, saves []*remote.Record, deletes []remote.RecordID) (*remote.ModifyResult, error) {
	s.mu.Lock()

	if err := s.begin(OpModify); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.accountErr(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	z, ok := s.zones[id]
	if !ok {
		s.mu.Unlock()
		return nil, remote.Errorf(remote.CodeZoneNotFound, "zone %s", id)
	}

	result := &remote.ModifyResult{}
	changed := false

	for _, rec := range saves {
		if rec.ID.Zone != id {
			result.Failures = append(result.Failures, remote.RecordFailure{
				ID:  rec.ID,
				Err: remote.Errorf(remote.CodeInvalidArguments, "record %s is not in zone %s", rec.ID, id),
			})
			continue
		}

		if existing, ok := z.records[rec.ID.Name]; ok && !bytes.Equal(existing.rec.SystemFields, rec.SystemFields) {
			conflict := remote.Errorf(remote.CodeServerRecordChanged, "record %s changed on server", rec.ID.Name)
			conflict.ServerRecord = existing.rec.Clone()
			result.Failures = append(result.Failures, remote.RecordFailure{ID: rec.ID, Err: conflict})
			continue
		}

		saved := z.put(rec)
		result.Saved = append(result.Saved, saved.Clone())
		changed = true
	}

	for _, rid := range deletes {
		e, ok := z.records[rid.Name]
		if !ok || rid.Zone != id {
			result.Failures = append(result.Failures, remote.RecordFailure{
				ID:  rid,
				Err: remote.Errorf(remote.CodeUnknownItem, "record %s not found", rid.Name),
			})
			continue
		}
		z.seq++
		z.deleted[rid.Name] = tombstone{typ: e.rec.Type, seq: z.seq}
		delete(z.records, rid.Name)
		result.Deleted = append(result.Deleted, rid)
		changed = true
	}

	var notify []func([]byte)
	var payloads [][]byte
	if changed {
		notify, payloads = s.pendingNotificationsLocked(id)
	}
	s.mu.Unlock()

	for i, fn := range notify {
		fn(payloads[i])
	}

	return result, nil
}

// put stores a copy of rec with a fresh system-field tag and returns it.
func (z *zone) put(rec *remote.Record) *remote.Record {
	stored := rec.Clone()
	stored.SystemFields = []byte(uuid.NewString())
	z.seq++
	z.records[rec.ID.Name] = &entry{rec: stored, seq: z.seq}
	delete(z.deleted, rec.ID.Name)
	return stored
}

// pendingNotificationsLocked returns listener/payload pairs for every
// subscription on zone. Must hold s.mu.
func (s *Store) pendingNotificationsLocked(id remote.ZoneID) ([]func([]byte), [][]byte) {
	var fns []func([]byte)
	var payloads [][]byte

	for _, sub := range s.subs {
		if sub.Zone != id {
			continue
		}
		payload := (&remote.Notification{SubscriptionID: sub.ID, Zone: id}).Encode()
		for _, fn := range s.listeners {
			fns = append(fns, fn)
			payloads = append(payloads, payload)
		}
	}
	return fns, payloads
}

// Put stores rec as if another device had saved it, bypassing conflict
// checks, and returns the stored copy. The zone is created if missing.
func (s *Store) Put(rec *remote.Record) *remote.Record {
	s.mu.Lock()
	z, ok := s.zones[rec.ID.Zone]
	if !ok {
		z = newZone()
		s.zones[rec.ID.Zone] = z
	}
	stored := z.put(rec)
	notify, payloads := s.pendingNotificationsLocked(rec.ID.Zone)
	s.mu.Unlock()

	for i, fn := range notify {
		fn(payloads[i])
	}
	return stored.Clone()
}

// Get returns a copy of the stored record, or nil.
func (s *Store) Get(id remote.RecordID) *remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id.Zone]
	if !ok {
		return nil
	}
	e, ok := z.records[id.Name]
	if !ok {
		return nil
	}
	return e.rec.Clone()
}

// Records returns copies of every live record in the zone, ordered by name.
func (s *Store) Records(id remote.ZoneID) []*remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil
	}
	out := make([]*remote.Record, 0, len(z.records))
	for _, e := range z.records {
		out = append(out, e.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Name < out[j].ID.Name })
	return out
}

// ExpireTokens invalidates every cursor handed out so far for all zones.
func (s *Store) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		z.epoch = uuid.NewString()
	}
}
