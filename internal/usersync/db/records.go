package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/confcore/usersync/internal/usersync/schema"
)

const (
	favoriteColumns = "id, session_id, created_at, is_deleted, system_fields"
	bookmarkColumns = "id, session_id, body, attributed_body, timecode, snapshot, created_at, modified_at, is_deleted, system_fields"
	progressColumns = "id, session_id, current_position, relative_position, created_at, updated_at, is_deleted, system_fields"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func columnsFor(typ schema.RecordType) (string, error) {
	switch typ {
	case schema.TypeFavorite:
		return favoriteColumns, nil
	case schema.TypeBookmark:
		return bookmarkColumns, nil
	case schema.TypeSessionProgress:
		return progressColumns, nil
	}
	return "", fmt.Errorf("unknown record type %q", typ)
}

func scanRecord(typ schema.RecordType, row rowScanner) (schema.Record, error) {
	var (
		createdAt string
		isDeleted int
	)

	switch typ {
	case schema.TypeFavorite:
		f := &schema.Favorite{}
		if err := row.Scan(&f.ID, &f.SessionID, &createdAt, &isDeleted, &f.SystemFields); err != nil {
			return nil, err
		}
		f.CreatedAt = stringToTime(createdAt)
		f.IsDeleted = isDeleted != 0
		return f, nil

	case schema.TypeBookmark:
		var modifiedAt string
		b := &schema.Bookmark{}
		if err := row.Scan(&b.ID, &b.SessionID, &b.Body, &b.AttributedBody, &b.Timecode, &b.Snapshot,
			&createdAt, &modifiedAt, &isDeleted, &b.SystemFields); err != nil {
			return nil, err
		}
		b.CreatedAt = stringToTime(createdAt)
		b.ModifiedAt = stringToTime(modifiedAt)
		b.IsDeleted = isDeleted != 0
		return b, nil

	case schema.TypeSessionProgress:
		var updatedAt string
		p := &schema.SessionProgress{}
		if err := row.Scan(&p.ID, &p.SessionID, &p.CurrentPosition, &p.RelativePosition,
			&createdAt, &updatedAt, &isDeleted, &p.SystemFields); err != nil {
			return nil, err
		}
		p.CreatedAt = stringToTime(createdAt)
		p.UpdatedAt = stringToTime(updatedAt)
		p.IsDeleted = isDeleted != 0
		return p, nil
	}

	return nil, fmt.Errorf("unknown record type %q", typ)
}

func getRecord(ctx context.Context, q queryer, typ schema.RecordType, id string) (schema.Record, error) {
	cols, err := columnsFor(typ)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", cols, typ.Table())
	rec, err := scanRecord(typ, q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", typ.ShortName(), id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", typ.ShortName(), id, err)
	}
	return rec, nil
}

func sessionExists(ctx context.Context, q queryer, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up session %s: %w", id, err)
	}
	return n > 0, nil
}

// ListFilter selects which rows List returns.
type ListFilter struct {
	// IncludeDeleted returns soft-deleted rows alongside live ones.
	IncludeDeleted bool
	// OnlyDeleted returns soft-deleted rows only.
	OnlyDeleted bool
	// NeverUploaded returns rows without system fields only.
	NeverUploaded bool
	// SessionID restricts results to one session.
	SessionID string
	// IDs restricts results to the given primary keys.
	IDs []string
}

func (f ListFilter) where() (string, []any) {
	var clauses []string
	var args []any

	switch {
	case f.OnlyDeleted:
		clauses = append(clauses, "is_deleted = 1")
	case !f.IncludeDeleted:
		clauses = append(clauses, "is_deleted = 0")
	}
	if f.NeverUploaded {
		clauses = append(clauses, "(system_fields IS NULL OR length(system_fields) = 0)")
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			clauses = append(clauses, "0")
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
			clauses = append(clauses, "id IN ("+placeholders+")")
			for _, id := range f.IDs {
				args = append(args, id)
			}
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func listRecords(ctx context.Context, q queryer, typ schema.RecordType, filter ListFilter) ([]schema.Record, error) {
	cols, err := columnsFor(typ)
	if err != nil {
		return nil, err
	}

	where, args := filter.where()
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at, id", cols, typ.Table(), where)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", typ.ShortName(), err)
	}
	defer func() { _ = rows.Close() }()

	var out []schema.Record
	for rows.Next() {
		rec, err := scanRecord(typ, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", typ.ShortName(), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", typ.ShortName(), err)
	}
	return out, nil
}

// GetContext retrieves a record by type and id. Soft-deleted rows are
// returned too. Returns an error wrapping ErrNotFound when absent.
func (db *DB) GetContext(ctx context.Context, typ schema.RecordType, id string) (schema.Record, error) {
	return getRecord(ctx, db.conn, typ, id)
}

// Get retrieves a record by type and id.
func (db *DB) Get(typ schema.RecordType, id string) (schema.Record, error) {
	return db.GetContext(context.Background(), typ, id)
}

// ListContext returns the records of typ matching filter, oldest first.
func (db *DB) ListContext(ctx context.Context, typ schema.RecordType, filter ListFilter) ([]schema.Record, error) {
	return listRecords(ctx, db.conn, typ, filter)
}

// List returns the records of typ matching filter.
func (db *DB) List(typ schema.RecordType, filter ListFilter) ([]schema.Record, error) {
	return db.ListContext(context.Background(), typ, filter)
}

// CountContext returns the number of live (not soft-deleted) rows of typ.
func (db *DB) CountContext(ctx context.Context, typ schema.RecordType) (int, error) {
	if !typ.IsValid() {
		return 0, fmt.Errorf("unknown record type %q", typ)
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE is_deleted = 0", typ.Table())
	if err := db.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", typ.ShortName(), err)
	}
	return n, nil
}

// SaveRecord upserts a single record in its own transaction.
func (db *DB) SaveRecord(ctx context.Context, rec schema.Record, opts ...WriteOption) error {
	return db.Write(ctx, func(tx *Tx) error {
		return tx.Save(rec)
	}, opts...)
}

// Get retrieves a record inside the transaction.
func (tx *Tx) Get(typ schema.RecordType, id string) (schema.Record, error) {
	return getRecord(tx.ctx, tx.tx, typ, id)
}

// List returns records inside the transaction.
func (tx *Tx) List(typ schema.RecordType, filter ListFilter) ([]schema.Record, error) {
	return listRecords(tx.ctx, tx.tx, typ, filter)
}

// SessionExists reports whether the owning session row exists.
func (tx *Tx) SessionExists(id string) (bool, error) {
	return sessionExists(tx.ctx, tx.tx, id)
}

func (tx *Tx) exists(typ schema.RecordType, id string) (bool, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", typ.Table())
	if err := tx.tx.QueryRowContext(tx.ctx, query, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", typ.ShortName(), id, err)
	}
	return n > 0, nil
}

// Save inserts or replaces rec. The change is reported as an insert when no
// row existed before, otherwise as a modification.
func (tx *Tx) Save(rec schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	typ := rec.RecordType()
	existed, err := tx.exists(typ, rec.RecordID())
	if err != nil {
		return err
	}

	switch r := rec.(type) {
	case *schema.Favorite:
		_, err = tx.tx.ExecContext(tx.ctx, `
			INSERT INTO favorites (`+favoriteColumns+`)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id = excluded.session_id,
				created_at = excluded.created_at,
				is_deleted = excluded.is_deleted,
				system_fields = excluded.system_fields`,
			r.ID, r.SessionID, timeToString(r.CreatedAt), boolToInt(r.IsDeleted), nullBlob(r.SystemFields))

	case *schema.Bookmark:
		_, err = tx.tx.ExecContext(tx.ctx, `
			INSERT INTO bookmarks (`+bookmarkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id = excluded.session_id,
				body = excluded.body,
				attributed_body = excluded.attributed_body,
				timecode = excluded.timecode,
				snapshot = excluded.snapshot,
				created_at = excluded.created_at,
				modified_at = excluded.modified_at,
				is_deleted = excluded.is_deleted,
				system_fields = excluded.system_fields`,
			r.ID, r.SessionID, r.Body, nullBlob(r.AttributedBody), r.Timecode, nullBlob(r.Snapshot),
			timeToString(r.CreatedAt), timeToString(r.ModifiedAt), boolToInt(r.IsDeleted), nullBlob(r.SystemFields))

	case *schema.SessionProgress:
		_, err = tx.tx.ExecContext(tx.ctx, `
			INSERT INTO session_progress (`+progressColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id = excluded.session_id,
				current_position = excluded.current_position,
				relative_position = excluded.relative_position,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				is_deleted = excluded.is_deleted,
				system_fields = excluded.system_fields`,
			r.ID, r.SessionID, r.CurrentPosition, r.RelativePosition,
			timeToString(r.CreatedAt), timeToString(r.UpdatedAt), boolToInt(r.IsDeleted), nullBlob(r.SystemFields))

	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", typ.ShortName(), rec.RecordID(), err)
	}

	tx.record(typ, rec.RecordID(), !existed)
	return nil
}

// SetSystemFields stores the server-issued system fields on an existing row.
// Reported as a modification; a missing row is not an error.
func (tx *Tx) SetSystemFields(typ schema.RecordType, id string, fields []byte) error {
	if !typ.IsValid() {
		return fmt.Errorf("unknown record type %q", typ)
	}
	query := fmt.Sprintf("UPDATE %s SET system_fields = ? WHERE id = ?", typ.Table())
	res, err := tx.tx.ExecContext(tx.ctx, query, nullBlob(fields), id)
	if err != nil {
		return fmt.Errorf("failed to set system fields on %s %s: %w", typ.ShortName(), id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.record(typ, id, false)
	}
	return nil
}

// Delete removes a row outright. Deletions are not reported to observers.
func (tx *Tx) Delete(typ schema.RecordType, id string) error {
	if !typ.IsValid() {
		return fmt.Errorf("unknown record type %q", typ)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", typ.Table())
	if _, err := tx.tx.ExecContext(tx.ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", typ.ShortName(), id, err)
	}
	return nil
}

// PurgeDeleted removes every soft-deleted row of typ and returns how many
// were removed.
func (tx *Tx) PurgeDeleted(typ schema.RecordType) (int64, error) {
	if !typ.IsValid() {
		return 0, fmt.Errorf("unknown record type %q", typ)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE is_deleted = 1", typ.Table())
	res, err := tx.tx.ExecContext(tx.ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted %s records: %w", typ.ShortName(), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearSystemFields forgets the system fields of every row of typ, so the
// next upload treats them as never uploaded. Not reported to observers.
func (tx *Tx) ClearSystemFields(typ schema.RecordType) error {
	if !typ.IsValid() {
		return fmt.Errorf("unknown record type %q", typ)
	}
	query := fmt.Sprintf("UPDATE %s SET system_fields = NULL", typ.Table())
	if _, err := tx.tx.ExecContext(tx.ctx, query); err != nil {
		return fmt.Errorf("failed to clear system fields on %s records: %w", typ.ShortName(), err)
	}
	return nil
}

// ClearAllSystemFields clears system fields on every record table.
func (db *DB) ClearAllSystemFields(ctx context.Context) error {
	return db.Write(ctx, func(tx *Tx) error {
		for _, typ := range schema.AllRecordTypes() {
			if err := tx.ClearSystemFields(typ); err != nil {
				return err
			}
		}
		return nil
	})
}
