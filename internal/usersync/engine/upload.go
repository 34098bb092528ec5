package engine

import (
	"errors"

	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// uploadChanged uploads the records an observer reported. Runs on the db
// lane.
func (e *Engine) uploadChanged(gen uint64, c db.Change) {
	session, ok := e.current(gen)
	if !ok || c.Empty() {
		return
	}

	rows, err := e.db.ListContext(e.ctx, c.Type, db.ListFilter{IncludeDeleted: true, IDs: c.IDs()})
	if err != nil {
		e.logger.Printf("Failed to load changed %s records: %v", c.Type.ShortName(), err)
		return
	}

	records := e.encodeUploadable(session, rows)
	if len(records) == 0 {
		return
	}

	if !e.throttle.ShouldUpload(c.Type) {
		e.logger.Printf("Upload of %d %s record(s) throttled", len(records), c.Type.ShortName())
		return
	}

	session.Upload(records, e.uploadDone(gen, c.Type))
}

// encodeUploadable converts rows into remote records, skipping rows whose
// session is missing and deleted rows that never reached the store.
// Runs on the db lane.
func (e *Engine) encodeUploadable(session *remote.Session, rows []schema.Record) []*remote.Record {
	records := make([]*remote.Record, 0, len(rows))
	for _, row := range rows {
		if row.Deleted() && len(row.RemoteFields()) == 0 {
			continue
		}

		exists, err := e.db.ContentExistsContext(e.ctx, row.OwnerSessionID())
		if err != nil {
			e.logger.Printf("Failed to look up session %s: %v", row.OwnerSessionID(), err)
			continue
		}
		if !exists {
			e.logger.Printf("Not uploading %s %s, session %s does not exist", row.RecordType().ShortName(), row.RecordID(), row.OwnerSessionID())
			continue
		}

		rec, err := e.registry.EncodeModel(row, session.Zone())
		if err != nil {
			e.logger.Printf("Failed to encode %s %s: %v", row.RecordType().ShortName(), row.RecordID(), err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// uploadDone returns the completion for an upload of typ records. The
// server's system fields are written back without notifying the engine's own
// observers.
func (e *Engine) uploadDone(gen uint64, typ schema.RecordType) func([]*remote.Record, error) {
	return func(saved []*remote.Record, err error) {
		if err != nil {
			switch {
			case errors.Is(err, remote.ErrQueueClosed):
			case remote.IsZoneDeleted(err):
				e.work.Do(func() { e.recoverZone(gen) })
			default:
				e.logger.Printf("Failed to upload %s records: %v", typ.ShortName(), err)
			}
		}
		if len(saved) == 0 {
			return
		}

		e.metrics.recordUploads(len(saved), typ)
		e.dbLane.Do(func() { e.writeBackSystemFields(saved) })
	}
}

// writeBackSystemFields runs on the db lane.
func (e *Engine) writeBackSystemFields(saved []*remote.Record) {
	err := e.db.Write(e.ctx, func(tx *db.Tx) error {
		for _, rec := range saved {
			if err := tx.SetSystemFields(schema.RecordType(rec.Type), rec.ID.Name, rec.SystemFields); err != nil {
				return err
			}
		}
		return nil
	}, db.WithoutNotifying(e.observers...))
	if err != nil {
		e.logger.Printf("Failed to store system fields for %d record(s): %v", len(saved), err)
	}
}
