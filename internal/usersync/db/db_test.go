package db

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/confcore/usersync/internal/usersync/schema"
)

// testDB opens a database in a temporary directory with one known session.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.UpsertSessions([]*schema.Session{{ID: "wwdc2021-100", Title: "Keynote"}}); err != nil {
		t.Fatalf("UpsertSessions() failed: %v", err)
	}
	return db
}

// TestInitSchema_Tables tests that all tables exist after Open
func TestInitSchema_Tables(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"sessions", "favorites", "bookmarks", "session_progress"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	// Idempotent
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestSaveAndGet_Bookmark(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	b := schema.NewBookmark("wwdc2021-100", "hello", 42.5)
	b.Snapshot = []byte{0x89, 0x50, 0x4e, 0x47}
	b.SystemFields = []byte("opaque-tag")

	if err := db.SaveRecord(ctx, b); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}

	got, err := db.GetContext(ctx, schema.TypeBookmark, b.ID)
	if err != nil {
		t.Fatalf("GetContext() failed: %v", err)
	}
	gb, ok := got.(*schema.Bookmark)
	if !ok {
		t.Fatalf("GetContext() returned %T, want *schema.Bookmark", got)
	}
	if gb.Body != "hello" || gb.Timecode != 42.5 {
		t.Errorf("got body=%q timecode=%v", gb.Body, gb.Timecode)
	}
	if !bytes.Equal(gb.Snapshot, b.Snapshot) {
		t.Errorf("snapshot = %v, want %v", gb.Snapshot, b.Snapshot)
	}
	if !bytes.Equal(gb.SystemFields, b.SystemFields) {
		t.Errorf("system fields = %q, want %q", gb.SystemFields, b.SystemFields)
	}
	if !gb.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("created_at = %v, want %v", gb.CreatedAt, b.CreatedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.Get(schema.TypeFavorite, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestList_Filters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	live := schema.NewFavorite("wwdc2021-100")
	uploaded := schema.NewFavorite("wwdc2021-100")
	uploaded.SystemFields = []byte("tag")
	deleted := schema.NewFavorite("wwdc2021-100")
	deleted.IsDeleted = true

	for _, f := range []*schema.Favorite{live, uploaded, deleted} {
		if err := db.SaveRecord(ctx, f); err != nil {
			t.Fatalf("SaveRecord() failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"live only", ListFilter{}, 2},
		{"include deleted", ListFilter{IncludeDeleted: true}, 3},
		{"only deleted", ListFilter{OnlyDeleted: true}, 1},
		{"never uploaded", ListFilter{NeverUploaded: true, IncludeDeleted: true}, 2},
		{"by ids", ListFilter{IDs: []string{live.ID, deleted.ID}, IncludeDeleted: true}, 2},
		{"empty ids", ListFilter{IDs: []string{}}, 0},
		{"other session", ListFilter{SessionID: "wwdc2021-999"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListContext(ctx, schema.TypeFavorite, tt.filter)
			if err != nil {
				t.Fatalf("ListContext() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}

	n, err := db.CountContext(ctx, schema.TypeFavorite)
	if err != nil {
		t.Fatalf("CountContext() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountContext() = %d, want 2", n)
	}
}

func TestObserve_InsertedAndModified(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var changes []Change
	token := db.Observe(schema.TypeBookmark, func(c Change) {
		changes = append(changes, c)
	})
	defer token.Invalidate()

	b := schema.NewBookmark("wwdc2021-100", "first", 1)
	if err := db.SaveRecord(ctx, b); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}
	b.Body = "second"
	if err := db.SaveRecord(ctx, b); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}

	// Favorites must not reach a bookmark observer
	if err := db.SaveRecord(ctx, schema.NewFavorite("wwdc2021-100")); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}

	// Deletions are not reported
	if err := db.Write(ctx, func(tx *Tx) error { return tx.Delete(schema.TypeBookmark, b.ID) }); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if len(changes[0].Inserted) != 1 || changes[0].Inserted[0] != b.ID {
		t.Errorf("first change = %+v, want insert of %s", changes[0], b.ID)
	}
	if len(changes[1].Modified) != 1 || changes[1].Modified[0] != b.ID {
		t.Errorf("second change = %+v, want modification of %s", changes[1], b.ID)
	}
}

func TestWrite_WithoutNotifying(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var own, other int
	ownToken := db.Observe(schema.TypeFavorite, func(Change) { own++ })
	db.Observe(schema.TypeFavorite, func(Change) { other++ })

	f := schema.NewFavorite("wwdc2021-100")
	if err := db.SaveRecord(ctx, f, WithoutNotifying(ownToken)); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}

	if own != 0 {
		t.Errorf("suppressed observer called %d times", own)
	}
	if other != 1 {
		t.Errorf("other observer called %d times, want 1", other)
	}

	ownToken.Invalidate()
	ownToken.Invalidate()
	if err := db.SaveRecord(ctx, schema.NewFavorite("wwdc2021-100")); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}
	if own != 0 {
		t.Errorf("invalidated observer called %d times", own)
	}
}

func TestWrite_RollbackSkipsNotification(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	called := false
	db.Observe(schema.TypeFavorite, func(Change) { called = true })

	f := schema.NewFavorite("wwdc2021-100")
	wantErr := errors.New("boom")
	err := db.Write(ctx, func(tx *Tx) error {
		if err := tx.Save(f); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Write() error = %v, want %v", err, wantErr)
	}
	if called {
		t.Error("observer called for rolled back write")
	}
	if _, err := db.Get(schema.TypeFavorite, f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back record still present: %v", err)
	}
}

func TestSystemFieldsLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := schema.NewSessionProgress("wwdc2021-100", 10, 0.1)
	if err := db.SaveRecord(ctx, p); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}

	if err := db.Write(ctx, func(tx *Tx) error {
		return tx.SetSystemFields(schema.TypeSessionProgress, p.ID, []byte("v1"))
	}); err != nil {
		t.Fatalf("SetSystemFields() failed: %v", err)
	}

	pending, err := db.List(schema.TypeSessionProgress, ListFilter{NeverUploaded: true})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d never-uploaded records after SetSystemFields, want 0", len(pending))
	}

	if err := db.ClearAllSystemFields(ctx); err != nil {
		t.Fatalf("ClearAllSystemFields() failed: %v", err)
	}
	pending, err = db.List(schema.TypeSessionProgress, ListFilter{NeverUploaded: true})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("got %d never-uploaded records after clear, want 1", len(pending))
	}
}

func TestPurgeDeleted(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	keep := schema.NewBookmark("wwdc2021-100", "keep", 1)
	gone := schema.NewBookmark("wwdc2021-100", "gone", 2)
	gone.IsDeleted = true

	for _, b := range []*schema.Bookmark{keep, gone} {
		if err := db.SaveRecord(ctx, b); err != nil {
			t.Fatalf("SaveRecord() failed: %v", err)
		}
	}

	var purged int64
	err := db.Write(ctx, func(tx *Tx) error {
		var err error
		purged, err = tx.PurgeDeleted(schema.TypeBookmark)
		return err
	})
	if err != nil {
		t.Fatalf("PurgeDeleted() failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d rows, want 1", purged)
	}
	if _, err := db.Get(schema.TypeBookmark, keep.ID); err != nil {
		t.Errorf("live bookmark removed: %v", err)
	}
}

func TestContentExists(t *testing.T) {
	db := testDB(t)

	ok, err := db.ContentExists("wwdc2021-100")
	if err != nil || !ok {
		t.Errorf("ContentExists(known) = %v, %v", ok, err)
	}
	ok, err = db.ContentExists("wwdc2099-1")
	if err != nil || ok {
		t.Errorf("ContentExists(unknown) = %v, %v", ok, err)
	}

	s, err := db.GetSessionContext(context.Background(), "wwdc2021-100")
	if err != nil {
		t.Fatalf("GetSessionContext() failed: %v", err)
	}
	if s.Title != "Keynote" {
		t.Errorf("title = %q, want Keynote", s.Title)
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	db := testDB(t)

	err := db.SaveRecord(context.Background(), &schema.Favorite{ID: "F1"})
	if err == nil {
		t.Error("SaveRecord() accepted a favorite without session")
	}
}
