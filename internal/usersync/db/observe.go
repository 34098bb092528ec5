package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/confcore/usersync/internal/usersync/schema"
)

// Change describes what one committed write did to a record table.
// Deletions are not reported.
type Change struct {
	Type     schema.RecordType
	Inserted []string
	Modified []string
}

// IDs returns inserted and modified ids together, inserted first.
func (c Change) IDs() []string {
	ids := make([]string, 0, len(c.Inserted)+len(c.Modified))
	ids = append(ids, c.Inserted...)
	return append(ids, c.Modified...)
}

// Empty reports whether the change carries no ids.
func (c Change) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Modified) == 0
}

// ObserverFunc receives changes for one record type after a write commits.
type ObserverFunc func(Change)

// ObserverToken identifies a registered observer.
type ObserverToken struct {
	id uint64
	db *DB
}

// Invalidate unregisters the observer. Safe to call more than once.
func (t *ObserverToken) Invalidate() {
	if t == nil || t.db == nil {
		return
	}
	t.db.observersMu.Lock()
	delete(t.db.observers, t.id)
	t.db.observersMu.Unlock()
}

type observer struct {
	typ schema.RecordType
	fn  ObserverFunc
}

// Observe registers fn to be called with inserted and modified ids of typ
// after every committed write. Observers run on the writing goroutine.
func (db *DB) Observe(typ schema.RecordType, fn ObserverFunc) *ObserverToken {
	db.observersMu.Lock()
	defer db.observersMu.Unlock()

	db.nextToken++
	db.observers[db.nextToken] = &observer{typ: typ, fn: fn}
	return &ObserverToken{id: db.nextToken, db: db}
}

// WriteOption configures a Write call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	skip map[uint64]bool
}

// WithoutNotifying suppresses delivery of this write's changes to the given
// observers. Other observers are still notified.
func WithoutNotifying(tokens ...*ObserverToken) WriteOption {
	return func(o *writeOptions) {
		for _, t := range tokens {
			if t != nil {
				o.skip[t.id] = true
			}
		}
	}
}

// Write runs fn inside a transaction. On commit, the recorded changes are
// delivered to observers except the suppressed ones. If fn returns an error
// the transaction is rolled back and nobody is notified.
func (db *DB) Write(ctx context.Context, fn func(tx *Tx) error, opts ...WriteOption) error {
	o := &writeOptions{skip: make(map[uint64]bool)}
	for _, opt := range opts {
		opt(o)
	}

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{ctx: ctx, tx: sqlTx, changes: make(map[schema.RecordType]*changeSet)}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.notify(tx.changeList(), o.skip)
	return nil
}

func (db *DB) notify(changes []Change, skip map[uint64]bool) {
	if len(changes) == 0 {
		return
	}

	db.observersMu.RLock()
	var targets []*observer
	for id, obs := range db.observers {
		if !skip[id] {
			targets = append(targets, obs)
		}
	}
	db.observersMu.RUnlock()

	for _, c := range changes {
		for _, obs := range targets {
			if obs.typ == c.Type {
				obs.fn(c)
			}
		}
	}
}

// changeSet accumulates ids per type within one transaction.
type changeSet struct {
	inserted []string
	modified []string
	seen     map[string]bool
}

// Tx is a write transaction handed to Write callbacks.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	changes map[schema.RecordType]*changeSet
}

func (tx *Tx) record(typ schema.RecordType, id string, inserted bool) {
	cs, ok := tx.changes[typ]
	if !ok {
		cs = &changeSet{seen: make(map[string]bool)}
		tx.changes[typ] = cs
	}
	if cs.seen[id] {
		return
	}
	cs.seen[id] = true
	if inserted {
		cs.inserted = append(cs.inserted, id)
	} else {
		cs.modified = append(cs.modified, id)
	}
}

func (tx *Tx) changeList() []Change {
	var out []Change
	for _, typ := range schema.AllRecordTypes() {
		cs, ok := tx.changes[typ]
		if !ok {
			continue
		}
		out = append(out, Change{Type: typ, Inserted: cs.inserted, Modified: cs.modified})
	}
	return out
}
