// Package schema defines the locally-owned user data records that are
// synchronized with the remote record store, and the catalog sessions they
// annotate.
//
// # Records
//
// Three record types are synchronized:
//
//   - Favorite - the user marked a session as a favorite
//   - Bookmark - a note attached to a point in a session's video
//   - SessionProgress - how far the user got watching a session
//
// Every record carries the same bookkeeping fields:
//
//	ID            remote identifier, stable across devices (primary key)
//	SessionID     the catalog session this record annotates
//	SystemFields  opaque blob owned by the remote store (empty = never uploaded)
//	IsDeleted     soft-delete flag, cleared only by a confirmed remote deletion
//
// # Sessions
//
// Sessions are read-only catalog content. The sync engine only ever asks
// whether a session exists locally; it never creates one. Catalog snapshots
// can be dropped into a directory as sessions/*.json or sessions/*.yaml and
// are read with ReadAllSessionFiles.
//
// # Design Principles
//
//   - Flat structs, one per record type
//   - System fields are never parsed or rebuilt locally
//   - Soft deletion only; rows disappear after the remote store confirms
package schema
