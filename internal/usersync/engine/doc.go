// Package engine keeps favorites, bookmarks and session progress in sync
// between the local database and the remote record store.
//
// Overview
//
// The engine is a state machine driven by the host process:
//
//	Stopped → WaitingForAccount → Running → Stopping → Stopped
//	              ↑                  │
//	              └── account lost ──┘
//
// Once the account is available the engine bootstraps the remote zone and
// subscription, deletes soft-deleted records remotely and purges them
// locally, uploads every record that was never uploaded, starts observing
// local mutations and finally fetches remote changes.
//
// Architecture
//
//	Local DB ──(observer: inserted/modified ids)──→ upload path
//	                                                    │ throttle per type
//	                                                    ↓
//	                                              remote.Session ──→ Store
//	                                                    │
//	Store ──(push notification / fetch)──→ download path
//	                                                    ↓
//	                              Local DB (one transaction per page,
//	                              without notifying the engine's observers)
//
// Lanes
//
// Work happens on three sequential lanes plus the remote operation queue:
//
//   - main: delivers State to subscribers, in order
//   - work: bootstrap, recovery and pending-content re-evaluation
//   - db: every database read and write made on behalf of sync
//
// Retries are never slept on a lane; they are scheduled with a timer that
// submits the retry back onto its lane or queue.
//
// Download rules
//
// A fetched record whose owning session exists locally is inserted or
// replaced. If the session is missing the record waits in the pending set.
// The pending set is re-evaluated once, either when the host signals new
// catalog content through CommitPendingContent or at the start of the next
// fetch; records still missing their session are then tombstoned and never
// applied again until the tombstone set is cleared. Remote deletions remove
// the local row.
//
// Usage
//
//	database, err := db.Open(filepath.Join(dataDir, "usersync.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	meta, err := metadata.Open(dataDir)
//	if err != nil {
//	    return err
//	}
//
//	e := engine.New(database, meta, store, engine.DefaultConfig())
//	defer e.Close()
//
//	e.Subscribe(func(s engine.State) { log.Printf("sync state: %+v", s) })
//	e.Start()
//	...
//	e.Stop(ctx, engine.StopGraceful)
//
// Error Handling
//
// Nothing is returned to the caller except from Stop. Transient remote
// errors are retried after the server-supplied delay or an exponential
// backoff; an expired cursor forces a full fetch; a deleted zone is
// recreated and every local record uploaded again; account errors move the
// engine back to WaitingForAccount.
package engine
