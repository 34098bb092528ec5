package engine

import (
	"errors"

	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// bootstrap runs on the work lane once the account is available, and again
// after the zone was deleted remotely.
func (e *Engine) bootstrap(gen uint64) {
	session, ok := e.current(gen)
	if !ok {
		return
	}

	session.EnsureScopeReady(e.work, func() {
		if _, ok := e.current(gen); !ok {
			return
		}
		e.logger.Println("Scope ready")
		e.incinerate(gen, func() {
			e.uploadNeverUploaded(gen)
			e.attachObservers(gen)
			e.fetchChanges(gen)
		})
	})
}

// incinerate deletes soft-deleted records from the remote store and purges
// them locally, then calls next on the work lane. Rows that never reached
// the store are purged right away.
func (e *Engine) incinerate(gen uint64, next func()) {
	session, ok := e.current(gen)
	if !ok {
		return
	}

	var (
		ids       []remote.RecordID
		types     = make(map[string]schema.RecordType)
		localOnly int
		listErr   error
	)
	if err := e.dbLane.Sync(func() {
		for _, typ := range schema.AllRecordTypes() {
			rows, err := e.db.ListContext(e.ctx, typ, db.ListFilter{OnlyDeleted: true})
			if err != nil {
				listErr = err
				return
			}
			for _, r := range rows {
				if len(r.RemoteFields()) == 0 {
					localOnly++
					continue
				}
				ids = append(ids, remote.RecordID{Zone: session.Zone(), Name: r.RecordID()})
				types[r.RecordID()] = typ
			}
		}
	}); err != nil {
		return
	}
	if listErr != nil {
		e.logger.Printf("Failed to list deleted records: %v", listErr)
		next()
		return
	}

	if len(ids) == 0 {
		if localOnly > 0 {
			_ = e.dbLane.Sync(e.purgeDeleted)
		}
		next()
		return
	}

	e.logger.Printf("Deleting %d soft-deleted record(s) remotely", len(ids))
	session.Delete(ids, func(deleted []remote.RecordID, err error) {
		e.work.Do(func() {
			if err != nil && !errors.Is(err, remote.ErrQueueClosed) {
				e.logger.Printf("Failed to delete records remotely: %v", err)
			}
			if _, ok := e.current(gen); !ok {
				return
			}

			_ = e.dbLane.Sync(func() {
				if err := e.db.Write(e.ctx, func(tx *db.Tx) error {
					for _, id := range deleted {
						if err := tx.Delete(types[id.Name], id.Name); err != nil {
							return err
						}
					}
					for _, typ := range schema.AllRecordTypes() {
						rows, err := tx.List(typ, db.ListFilter{OnlyDeleted: true, NeverUploaded: true})
						if err != nil {
							return err
						}
						for _, r := range rows {
							if err := tx.Delete(typ, r.RecordID()); err != nil {
								return err
							}
						}
					}
					return nil
				}); err != nil {
					e.logger.Printf("Failed to purge deleted records: %v", err)
					return
				}
				e.logger.Printf("Purged %d deleted record(s)", len(deleted))
			})
			next()
		})
	})
}

// purgeDeleted runs on the db lane.
func (e *Engine) purgeDeleted() {
	var purged int64
	err := e.db.Write(e.ctx, func(tx *db.Tx) error {
		for _, typ := range schema.AllRecordTypes() {
			n, err := tx.PurgeDeleted(typ)
			if err != nil {
				return err
			}
			purged += n
		}
		return nil
	})
	if err != nil {
		e.logger.Printf("Failed to purge deleted records: %v", err)
		return
	}
	e.logger.Printf("Purged %d deleted record(s)", purged)
}

// uploadNeverUploaded uploads every live record without system fields whose
// session exists. Runs on the work lane and bypasses the throttle.
func (e *Engine) uploadNeverUploaded(gen uint64) {
	session, ok := e.current(gen)
	if !ok {
		return
	}

	_ = e.dbLane.Sync(func() {
		for _, typ := range schema.AllRecordTypes() {
			rows, err := e.db.ListContext(e.ctx, typ, db.ListFilter{NeverUploaded: true})
			if err != nil {
				e.logger.Printf("Failed to list %s records to upload: %v", typ.ShortName(), err)
				continue
			}
			records := e.encodeUploadable(session, rows)
			if len(records) == 0 {
				continue
			}
			e.logger.Printf("Uploading %d never-uploaded %s record(s)", len(records), typ.ShortName())
			session.Upload(records, e.uploadDone(gen, typ))
		}
	})
}

// attachObservers registers one observer per record type unless they are
// already registered.
func (e *Engine) attachObservers(gen uint64) {
	_ = e.dbLane.Sync(func() {
		if len(e.observers) > 0 {
			return
		}
		for _, typ := range schema.AllRecordTypes() {
			tok := e.db.Observe(typ, func(c db.Change) {
				e.dbLane.Do(func() { e.uploadChanged(gen, c) })
			})
			e.observers = append(e.observers, tok)
		}
	})
}

// recoverZone resets the scope after the zone was deleted remotely, forgets
// every local system field and bootstraps again. Runs on the work lane.
func (e *Engine) recoverZone(gen uint64) {
	if _, ok := e.current(gen); !ok {
		return
	}
	if !e.meta.CreatedScope() {
		// Already recovering
		return
	}

	e.logger.Println("Zone was deleted remotely, recreating it and uploading everything again")

	if err := e.meta.ResetScope(); err != nil {
		e.logger.Printf("Failed to reset scope: %v", err)
	}
	_ = e.dbLane.Sync(func() {
		if err := e.db.ClearAllSystemFields(e.ctx); err != nil {
			e.logger.Printf("Failed to clear local system fields: %v", err)
		}
	})

	e.bootstrap(gen)
}
