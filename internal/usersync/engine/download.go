package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
	"github.com/confcore/usersync/internal/usersync/syncobject"
)

// pendingRecord is a fetched record whose session did not exist locally.
type pendingRecord struct {
	obj syncobject.Object
	key metadata.TombstoneKey
	// fetchID is the fetch that parked the record. Entries are not retried
	// by the fetch that parked them.
	fetchID uint64
}

func tombstoneKey(rec *remote.Record) metadata.TombstoneKey {
	return metadata.TombstoneKey{
		Owner: rec.ID.Zone.Owner,
		Zone:  rec.ID.Zone.Name,
		Type:  rec.Type,
		Name:  rec.ID.Name,
	}
}

// fetchChanges enqueues one fetch. Runs on the work lane.
func (e *Engine) fetchChanges(gen uint64) {
	session, ok := e.current(gen)
	if !ok {
		return
	}

	fetchID := e.nextFetchID.Add(1)
	first := true

	sink := remote.ChangeSinkFunc(func(ctx context.Context, records []*remote.Record, deletions []remote.Deletion) error {
		var applyErr error
		if err := e.dbLane.Sync(func() {
			if first {
				first = false
				e.retryPending(fetchID)
			}
			applyErr = e.applyChanges(ctx, fetchID, records, deletions)
		}); err != nil {
			return err
		}
		return applyErr
	})

	session.FetchChanges(sink, func(err error) {
		e.work.Do(func() { e.fetchDone(gen, err) })
	})
}

// fetchDone runs on the work lane.
func (e *Engine) fetchDone(gen uint64, err error) {
	if err == nil {
		now := time.Now()
		e.lastFetch.Store(&now)
		return
	}
	if errors.Is(err, remote.ErrQueueClosed) {
		return
	}
	if remote.IsZoneDeleted(err) {
		e.recoverZone(gen)
		return
	}
	e.logger.Printf("Failed to fetch changes: %v", err)
}

// applyChanges writes one fetched page in a single transaction that does not
// notify the engine's observers. Runs on the db lane.
func (e *Engine) applyChanges(ctx context.Context, fetchID uint64, records []*remote.Record, deletions []remote.Deletion) error {
	snap, err := e.meta.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to read tombstones: %w", err)
	}
	tombstoned := make(map[string]bool, len(snap.Tombstones))
	for _, k := range snap.Tombstones {
		tombstoned[k] = true
	}

	var (
		parked  []*pendingRecord
		applied []string
		counts  = make(map[schema.RecordType]int)
	)

	err = e.db.Write(ctx, func(tx *db.Tx) error {
		parked, applied = nil, nil
		clear(counts)

		for _, rec := range records {
			key := tombstoneKey(rec)
			if tombstoned[key.String()] {
				continue
			}

			obj, err := e.registry.Decode(rec)
			if err != nil {
				e.logger.Printf("Skipping record %s: %v", rec.ID, err)
				continue
			}

			exists, err := tx.SessionExists(obj.Meta().OwnerContentID)
			if err != nil {
				return err
			}
			if !exists {
				parked = append(parked, &pendingRecord{obj: obj, key: key, fetchID: fetchID})
				continue
			}

			if err := tx.Save(obj.ToModel()); err != nil {
				e.logger.Printf("Failed to save fetched record %s: %v", rec.ID, err)
				continue
			}
			applied = append(applied, key.String())
			counts[obj.RecordType()]++
		}

		for _, d := range deletions {
			typ := schema.RecordType(d.Type)
			if !typ.IsValid() {
				continue
			}
			if err := tx.Delete(typ, d.ID.Name); err != nil {
				return err
			}
		}
		return nil
	}, db.WithoutNotifying(e.observers...))
	if err != nil {
		return fmt.Errorf("failed to apply changes: %w", err)
	}

	for _, k := range applied {
		delete(e.pending, k)
	}
	for _, p := range parked {
		e.logger.Printf("Session %s for record %s does not exist yet, keeping it pending", p.obj.Meta().OwnerContentID, p.key.Name)
		e.pending[p.key.String()] = p
	}
	e.pendingCount.Store(int64(len(e.pending)))

	for typ, n := range counts {
		e.metrics.recordDownloads(n, typ)
	}
	return nil
}

// retryPending gives every pending record except those parked by skipFetch
// its single retry: records whose session now exists are saved, the others
// are tombstoned. Runs on the db lane.
func (e *Engine) retryPending(skipFetch uint64) {
	if len(e.pending) == 0 {
		return
	}

	var (
		ready []*pendingRecord
		tombs []metadata.TombstoneKey
	)
	for k, p := range e.pending {
		if p.fetchID == skipFetch {
			continue
		}
		exists, err := e.db.ContentExistsContext(e.ctx, p.obj.Meta().OwnerContentID)
		if err != nil {
			e.logger.Printf("Failed to look up session %s: %v", p.obj.Meta().OwnerContentID, err)
			continue
		}
		if exists {
			ready = append(ready, p)
		} else {
			tombs = append(tombs, p.key)
		}
		delete(e.pending, k)
	}

	if len(ready) > 0 {
		err := e.db.Write(e.ctx, func(tx *db.Tx) error {
			for _, p := range ready {
				if err := tx.Save(p.obj.ToModel()); err != nil {
					e.logger.Printf("Failed to save pending record %s: %v", p.key.Name, err)
					continue
				}
				e.metrics.recordDownloads(1, p.obj.RecordType())
			}
			return nil
		}, db.WithoutNotifying(e.observers...))
		if err != nil {
			e.logger.Printf("Failed to save pending records: %v", err)
		}
	}

	if len(tombs) > 0 {
		e.logger.Printf("Tombstoning %d record(s) whose session never appeared", len(tombs))
		if err := e.meta.AddTombstones(tombs...); err != nil {
			e.logger.Printf("Failed to persist tombstones: %v", err)
		}
		e.metrics.recordTombstones(len(tombs))
	}

	e.pendingCount.Store(int64(len(e.pending)))
}

// CommitPendingContent tells the engine that new catalog content may have
// arrived. Pending records get their single retry.
func (e *Engine) CommitPendingContent() {
	e.work.Do(func() {
		_ = e.dbLane.Sync(func() { e.retryPending(0) })
	})
}

// PendingCount returns the number of fetched records waiting for their
// session.
func (e *Engine) PendingCount() int {
	return int(e.pendingCount.Load())
}
