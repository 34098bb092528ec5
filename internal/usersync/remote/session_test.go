package remote_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confcore/usersync/internal/usersync/lane"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/remote/memstore"
)

const waitFor = 5 * time.Second

// book is an in-memory Bookkeeping.
type book struct {
	mu            sync.Mutex
	cursor        []byte
	scope         bool
	subscription  bool
	invalidations int
}

func (b *book) Cursor() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

func (b *book) SaveCursor(token []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = token
	return nil
}

func (b *book) InvalidateCursor() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = nil
	b.invalidations++
	return nil
}

func (b *book) CreatedScope() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scope
}

func (b *book) SetCreatedScope(v bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scope = v
	return nil
}

func (b *book) CreatedSubscription() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscription
}

func (b *book) SetCreatedSubscription(v bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscription = v
	return nil
}

// resolverFunc adapts a function to remote.Resolver and counts calls.
type resolverFunc struct {
	calls atomic.Int32
	fn    func(client, server *remote.Record) (*remote.Record, error)
}

func (r *resolverFunc) Resolve(client, server *remote.Record) (*remote.Record, error) {
	r.calls.Add(1)
	return r.fn(client, server)
}

// takeServerFields keeps the client's fields and adopts the server's system
// fields.
func takeServerFields(client, server *remote.Record) (*remote.Record, error) {
	merged := client.Clone()
	merged.SystemFields = server.SystemFields
	return merged, nil
}

type fixture struct {
	store    *memstore.Store
	book     *book
	resolver *resolverFunc
	session  *remote.Session

	accountMu sync.Mutex
	account   []bool
	maxDepth  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		book:     &book{},
		resolver: &resolverFunc{fn: takeServerFields},
	}

	cfg := remote.DefaultConfig()
	cfg.MinRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.OnQueueDepth = func(depth int) {
		for {
			cur := f.maxDepth.Load()
			if int32(depth) <= cur || f.maxDepth.CompareAndSwap(cur, int32(depth)) {
				return
			}
		}
	}
	cfg.OnAccountChange = func(available bool) {
		f.accountMu.Lock()
		f.account = append(f.account, available)
		f.accountMu.Unlock()
	}

	f.session = remote.NewSession(f.store, f.book, f.resolver, cfg)
	t.Cleanup(func() {
		f.session.Close()
		f.session.Abort()
	})
	return f
}

func (f *fixture) accountChanges() []bool {
	f.accountMu.Lock()
	defer f.accountMu.Unlock()
	return append([]bool(nil), f.account...)
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.CreateZone(context.Background(), remote.DefaultZone()))
	f.book.scope = true
	f.book.subscription = true
}

func bookmark(name, body string) *remote.Record {
	rec := remote.NewRecord("BookmarkSyncObject", remote.RecordID{Zone: remote.DefaultZone(), Name: name})
	_ = rec.Set("body", body)
	return rec
}

func upload(t *testing.T, s *remote.Session, records ...*remote.Record) ([]*remote.Record, error) {
	t.Helper()
	type result struct {
		saved []*remote.Record
		err   error
	}
	ch := make(chan result, 1)
	s.Upload(records, func(saved []*remote.Record, err error) { ch <- result{saved, err} })
	select {
	case r := <-ch:
		return r.saved, r.err
	case <-time.After(waitFor):
		t.Fatal("upload never completed")
		return nil, nil
	}
}

func fetch(t *testing.T, s *remote.Session, sink remote.ChangeSink) error {
	t.Helper()
	ch := make(chan error, 1)
	s.FetchChanges(sink, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("fetch never completed")
		return nil
	}
}

func TestSession_EnsureScopeReady(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(memstore.OpCreateZone, remote.Errorf(remote.CodeServiceUnavailable, "try later"))
	f.store.FailNext(memstore.OpCreateSubscription, remote.Errorf(remote.CodeZoneBusy, "busy"))

	l := lane.New("test")
	defer l.Close()

	done := make(chan struct{})
	f.session.EnsureScopeReady(l, func() { close(done) })

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("scope never became ready")
	}

	assert.True(t, f.book.CreatedScope())
	assert.True(t, f.book.CreatedSubscription())
	assert.True(t, f.store.HasZone(remote.DefaultZone()))
	assert.True(t, f.store.HasSubscription(remote.DefaultSubscriptionID))
	assert.Equal(t, 2, f.store.Calls(memstore.OpCreateZone))
	assert.Equal(t, 2, f.store.Calls(memstore.OpCreateSubscription))
}

func TestSession_EnsureScopeReadySkipsConfirmedSteps(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	zones := f.store.Calls(memstore.OpCreateZone)
	subscriptions := f.store.Calls(memstore.OpCreateSubscription)

	l := lane.New("test")
	defer l.Close()

	done := make(chan struct{})
	f.session.EnsureScopeReady(l, func() { close(done) })
	<-done

	assert.Equal(t, zones, f.store.Calls(memstore.OpCreateZone))
	assert.Equal(t, subscriptions, f.store.Calls(memstore.OpCreateSubscription))
}

func TestSession_UploadResolvesConflictOnce(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	server := f.store.Put(bookmark("B1", "server"))

	stale := bookmark("B1", "client")
	stale.SystemFields = []byte("stale")
	saved, err := upload(t, f.session, stale)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	assert.Equal(t, int32(1), f.resolver.calls.Load())
	assert.Equal(t, 2, f.store.Calls(memstore.OpModify))
	assert.NotEqual(t, server.SystemFields, saved[0].SystemFields)

	var body string
	_, err = f.store.Get(stale.ID).Get("body", &body)
	require.NoError(t, err)
	assert.Equal(t, "client", body)
}

func TestSession_UploadDropsSecondConflict(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.Put(bookmark("B1", "server"))

	// A resolver that keeps the stale system fields conflicts again
	f.resolver.fn = func(client, server *remote.Record) (*remote.Record, error) {
		return client.Clone(), nil
	}

	stale := bookmark("B1", "client")
	stale.SystemFields = []byte("stale")
	fresh := bookmark("B2", "new")

	saved, err := upload(t, f.session, stale, fresh)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "B2", saved[0].ID.Name)

	assert.Equal(t, int32(1), f.resolver.calls.Load())
	assert.Equal(t, 2, f.store.Calls(memstore.OpModify))
}

func TestSession_UploadRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.FailNext(memstore.OpModify,
		remote.Errorf(remote.CodeNetworkUnavailable, "offline"),
		&remote.Error{Code: remote.CodeRequestRateLimited, RetryAfter: 10 * time.Millisecond})

	saved, err := upload(t, f.session, bookmark("B1", "hello"))
	require.NoError(t, err)
	assert.Len(t, saved, 1)
	assert.Equal(t, 3, f.store.Calls(memstore.OpModify))
	assert.GreaterOrEqual(t, f.maxDepth.Load(), int32(1))
	assert.Zero(t, f.session.QueueDepth())
}

func TestSession_UploadStructuralErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantAccount bool
	}{
		{name: "not authenticated", err: remote.Errorf(remote.CodeNotAuthenticated, "signed out"), wantAccount: true},
		{name: "permission", err: remote.Errorf(remote.CodePermissionFailure, "revoked"), wantAccount: true},
		{name: "zone deleted", err: remote.Errorf(remote.CodeUserDeletedZone, "purged")},
		{name: "invalid", err: remote.Errorf(remote.CodeInvalidArguments, "bad")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ready(t)
			f.store.FailNext(memstore.OpModify, tt.err)

			_, err := upload(t, f.session, bookmark("B1", "hello"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err))
			assert.Equal(t, 1, f.store.Calls(memstore.OpModify))

			if tt.wantAccount {
				assert.Equal(t, []bool{false}, f.accountChanges())
			} else {
				assert.Empty(t, f.accountChanges())
			}
		})
	}
}

func TestSession_FetchPagesAndSavesCursor(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.SetPageSize(2)
	for _, name := range []string{"B1", "B2", "B3", "B4", "B5"} {
		f.store.Put(bookmark(name, "x"))
	}

	var pages [][]string
	sink := remote.ChangeSinkFunc(func(ctx context.Context, records []*remote.Record, deletions []remote.Deletion) error {
		var names []string
		for _, r := range records {
			names = append(names, r.ID.Name)
		}
		pages = append(pages, names)
		return nil
	})

	require.NoError(t, fetch(t, f.session, sink))
	assert.Equal(t, [][]string{{"B1", "B2"}, {"B3", "B4"}, {"B5"}}, pages)
	assert.NotEmpty(t, f.book.Cursor())

	// Nothing new since the saved cursor
	pages = nil
	require.NoError(t, fetch(t, f.session, sink))
	assert.Equal(t, [][]string{nil}, pages)
}

func TestSession_FetchExpiredTokenStartsOver(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.Put(bookmark("B1", "x"))

	count := 0
	sink := remote.ChangeSinkFunc(func(ctx context.Context, records []*remote.Record, deletions []remote.Deletion) error {
		count += len(records)
		return nil
	})
	require.NoError(t, fetch(t, f.session, sink))
	require.Equal(t, 1, count)

	f.store.ExpireTokens()
	count = 0
	require.NoError(t, fetch(t, f.session, sink))

	tokens := f.store.FetchTokens()
	require.Len(t, tokens, 3)
	assert.NotEmpty(t, tokens[1])
	assert.Empty(t, tokens[2])
	assert.Equal(t, 1, f.book.invalidations)
	assert.Equal(t, 1, count)
}

func TestSession_FetchSinkErrorKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.Put(bookmark("B1", "x"))

	sinkErr := errors.New("disk full")
	err := fetch(t, f.session, remote.ChangeSinkFunc(func(context.Context, []*remote.Record, []remote.Deletion) error {
		return sinkErr
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sinkErr))
	assert.Empty(t, f.book.Cursor())
}

func TestSession_FetchZoneDeleted(t *testing.T) {
	f := newFixture(t)

	err := fetch(t, f.session, remote.ChangeSinkFunc(func(context.Context, []*remote.Record, []remote.Deletion) error {
		return nil
	}))
	require.Error(t, err)
	assert.True(t, remote.IsZoneDeleted(err))
}

func TestSession_DeleteTreatsUnknownItemAsDeleted(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.Put(bookmark("B1", "x"))

	ids := []remote.RecordID{
		{Zone: remote.DefaultZone(), Name: "B1"},
		{Zone: remote.DefaultZone(), Name: "missing"},
	}

	ch := make(chan []remote.RecordID, 1)
	f.session.Delete(ids, func(deleted []remote.RecordID, err error) {
		assert.NoError(t, err)
		ch <- deleted
	})

	select {
	case deleted := <-ch:
		assert.ElementsMatch(t, ids, deleted)
	case <-time.After(waitFor):
		t.Fatal("delete never completed")
	}
	assert.Nil(t, f.store.Get(ids[0]))
}

func TestSession_CloseRejectsNewOperations(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	f.session.Close()
	require.NoError(t, f.session.Drain(context.Background()))

	_, err := upload(t, f.session, bookmark("B1", "x"))
	assert.ErrorIs(t, err, remote.ErrQueueClosed)
	assert.ErrorIs(t, fetch(t, f.session, remote.ChangeSinkFunc(nil)), remote.ErrQueueClosed)
	assert.Zero(t, f.store.Calls(memstore.OpModify))
}

func TestSession_CloseDropsScheduledRetries(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.store.FailNext(memstore.OpModify, &remote.Error{Code: remote.CodeServiceUnavailable, RetryAfter: time.Hour})

	f.session.Upload([]*remote.Record{bookmark("B1", "x")}, nil)
	require.Eventually(t, func() bool {
		return f.store.Calls(memstore.OpModify) == 1 && f.session.QueueDepth() == 1
	}, waitFor, time.Millisecond)

	f.session.Close()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.session.Drain(ctx))
	assert.Zero(t, f.session.QueueDepth())
}

func TestSession_CheckAccountAvailability(t *testing.T) {
	f := newFixture(t)
	f.store.SetAccountStatus(remote.AccountStatusRestricted)

	f.session.CheckAccountAvailability()
	require.Eventually(t, func() bool { return len(f.accountChanges()) == 1 }, waitFor, time.Millisecond)
	assert.False(t, f.session.IsAccountAvailable())

	f.store.SetAccountStatus(remote.AccountStatusAvailable)
	f.session.CheckAccountAvailability()
	require.Eventually(t, func() bool { return len(f.accountChanges()) == 2 }, waitFor, time.Millisecond)
	assert.True(t, f.session.IsAccountAvailable())
	assert.Equal(t, []bool{false, true}, f.accountChanges())
}

func TestSession_MatchesSubscription(t *testing.T) {
	f := newFixture(t)

	ours := (&remote.Notification{SubscriptionID: remote.DefaultSubscriptionID}).Encode()
	theirs := (&remote.Notification{SubscriptionID: "other"}).Encode()

	assert.True(t, f.session.MatchesSubscription(ours))
	assert.False(t, f.session.MatchesSubscription(theirs))
	assert.False(t, f.session.MatchesSubscription([]byte("{")))
	assert.False(t, f.session.MatchesSubscription([]byte(`{"subscriptionID":""}`)))
}
