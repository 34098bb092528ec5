package httpstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/remote/memstore"
)

const testToken = "s3cret"

func setup(t *testing.T) (*memstore.Store, *Server, *Client) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store := memstore.New()
	server := NewServer(store, ServerConfig{Token: testToken, Logger: logger})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	client, err := NewClient(ClientConfig{BaseURL: ts.URL, Token: testToken, Logger: logger})
	require.NoError(t, err)
	return store, server, client
}

func bookmark(name, body string) *remote.Record {
	rec := remote.NewRecord("BookmarkSyncObject", remote.RecordID{Zone: remote.DefaultZone(), Name: name})
	_ = rec.Set("body", body)
	return rec
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, client := setup(t)
	zone := remote.DefaultZone()

	status, err := client.AccountStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.AccountStatusAvailable, status)

	require.NoError(t, client.CreateZone(ctx, zone))
	assert.True(t, store.HasZone(zone))

	require.NoError(t, client.CreateSubscription(ctx, remote.Subscription{ID: remote.DefaultSubscriptionID, Zone: zone}))
	assert.True(t, store.HasSubscription(remote.DefaultSubscriptionID))

	rec := bookmark("B1", "hello")
	rec.Fields["snapshot"] = []byte(`"iVBORw0KGgo="`)
	res, err := client.Modify(ctx, zone, []*remote.Record{rec}, nil)
	require.NoError(t, err)
	require.Len(t, res.Saved, 1)
	assert.Equal(t, store.Get(rec.ID).SystemFields, res.Saved[0].SystemFields)

	changes, err := client.FetchChanges(ctx, zone, nil)
	require.NoError(t, err)
	require.Len(t, changes.Records, 1)
	assert.Equal(t, res.Saved[0].SystemFields, changes.Records[0].SystemFields)
	assert.JSONEq(t, `"iVBORw0KGgo="`, string(changes.Records[0].Fields["snapshot"]))

	res, err = client.Modify(ctx, zone, nil, []remote.RecordID{rec.ID})
	require.NoError(t, err)
	assert.Equal(t, []remote.RecordID{rec.ID}, res.Deleted)

	next, err := client.FetchChanges(ctx, zone, changes.Token)
	require.NoError(t, err)
	require.Len(t, next.Deletions, 1)
	assert.Equal(t, "BookmarkSyncObject", next.Deletions[0].Type)

	require.NoError(t, client.DeleteZone(ctx, zone))
	assert.False(t, store.HasZone(zone))
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	zone := remote.DefaultZone()

	t.Run("conflict carries server record", func(t *testing.T) {
		store, _, client := setup(t)
		server := store.Put(bookmark("B1", "server"))

		stale := bookmark("B1", "client")
		stale.SystemFields = []byte("stale")
		res, err := client.Modify(ctx, zone, []*remote.Record{stale}, nil)
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)

		failure := res.Failures[0]
		assert.True(t, remote.IsConflict(failure.Err))
		got, ok := remote.ServerRecord(failure.Err)
		require.True(t, ok)
		assert.Equal(t, server.SystemFields, got.SystemFields)
	})

	t.Run("retry after survives the wire", func(t *testing.T) {
		store, _, client := setup(t)
		require.NoError(t, store.CreateZone(ctx, zone))
		store.FailNext(memstore.OpModify, &remote.Error{Code: remote.CodeRequestRateLimited, RetryAfter: 3 * time.Second})

		_, err := client.Modify(ctx, zone, []*remote.Record{bookmark("B1", "x")}, nil)
		require.Error(t, err)
		assert.True(t, remote.IsTransient(err))
		d, ok := remote.RetryDelay(err)
		require.True(t, ok)
		assert.Equal(t, 3*time.Second, d)
	})

	t.Run("expired token", func(t *testing.T) {
		store, _, client := setup(t)
		require.NoError(t, store.CreateZone(ctx, zone))
		changes, err := client.FetchChanges(ctx, zone, nil)
		require.NoError(t, err)

		store.ExpireTokens()
		_, err = client.FetchChanges(ctx, zone, changes.Token)
		assert.True(t, remote.IsTokenExpired(err))
	})

	t.Run("missing zone", func(t *testing.T) {
		_, _, client := setup(t)
		_, err := client.FetchChanges(ctx, zone, nil)
		assert.True(t, remote.IsZoneDeleted(err))
	})

	t.Run("bad token", func(t *testing.T) {
		_, server, _ := setup(t)
		ts := httptest.NewServer(server.Handler())
		defer ts.Close()

		client, err := NewClient(ClientConfig{BaseURL: ts.URL, Token: "wrong", Logger: log.New(io.Discard, "", 0)})
		require.NoError(t, err)

		err = client.CreateZone(ctx, zone)
		assert.True(t, remote.IsAccountError(err))

		status, err := client.AccountStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, remote.AccountStatusNoAccount, status)
	})

	t.Run("unreachable server", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		client, err := NewClient(ClientConfig{BaseURL: url, Logger: log.New(io.Discard, "", 0)})
		require.NoError(t, err)
		err = client.CreateZone(ctx, zone)
		assert.True(t, remote.IsTransient(err))
	})
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	_, server, _ := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","clients":0}`, rec.Body.String())
}

func TestServer_RetryAfterHeader(t *testing.T) {
	store, server, _ := setup(t)
	store.FailNext(memstore.OpAccountStatus, &remote.Error{Code: remote.CodeServiceUnavailable, RetryAfter: 1500 * time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestClient_Listen(t *testing.T) {
	store, server, client := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zone := remote.DefaultZone()
	require.NoError(t, client.CreateZone(ctx, zone))
	require.NoError(t, client.CreateSubscription(ctx, remote.Subscription{ID: remote.DefaultSubscriptionID, Zone: zone}))

	payloads := make(chan []byte, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Listen(ctx, func(p []byte) { payloads <- p })
	}()

	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	store.Put(bookmark("B1", "from another device"))

	select {
	case p := <-payloads:
		n, err := remote.ParseNotification(p)
		require.NoError(t, err)
		assert.Equal(t, remote.DefaultSubscriptionID, n.SubscriptionID)
		assert.Equal(t, zone, n.Zone)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "Listen returned %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
