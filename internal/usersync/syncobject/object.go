// Package syncobject converts user data records to and from their remote
// transport form and merges conflicting copies.
//
// Each record type has a SyncObject struct mirroring the fields that travel
// to the remote store, a codec between that struct and remote.Record, and a
// conflict resolver. The three are tied together per type in a Registry so
// the engine never switches on type names itself.
package syncobject

import (
	"time"

	"github.com/confcore/usersync/internal/usersync/schema"
)

// Base holds the fields every SyncObject carries.
type Base struct {
	// RemoteIdentifier is the record name in the remote store; it equals
	// the local primary key.
	RemoteIdentifier string
	// RemoteSystemFields is opaque and nil until the first successful upload.
	RemoteSystemFields []byte
	// OwnerContentID is the id of the owning session, which may not exist
	// locally yet.
	OwnerContentID string
	CreatedAt      time.Time
	IsDeleted      bool
}

// Meta returns the common fields.
func (b *Base) Meta() *Base { return b }

// Object is implemented by every SyncObject.
type Object interface {
	RecordType() schema.RecordType
	Meta() *Base
	// ToModel converts the object into the local database model.
	ToModel() schema.Record
}

// FavoriteSyncObject is the transport form of a Favorite.
type FavoriteSyncObject struct {
	Base
}

func (o *FavoriteSyncObject) RecordType() schema.RecordType { return schema.TypeFavorite }

func (o *FavoriteSyncObject) ToModel() schema.Record {
	return &schema.Favorite{
		ID:           o.RemoteIdentifier,
		SessionID:    o.OwnerContentID,
		CreatedAt:    o.CreatedAt,
		IsDeleted:    o.IsDeleted,
		SystemFields: o.RemoteSystemFields,
	}
}

// BookmarkSyncObject is the transport form of a Bookmark.
type BookmarkSyncObject struct {
	Base
	Body           string
	AttributedBody []byte
	Timecode       float64
	Snapshot       []byte
	ModifiedAt     time.Time
}

func (o *BookmarkSyncObject) RecordType() schema.RecordType { return schema.TypeBookmark }

func (o *BookmarkSyncObject) ToModel() schema.Record {
	return &schema.Bookmark{
		ID:             o.RemoteIdentifier,
		SessionID:      o.OwnerContentID,
		Body:           o.Body,
		AttributedBody: o.AttributedBody,
		Timecode:       o.Timecode,
		Snapshot:       o.Snapshot,
		CreatedAt:      o.CreatedAt,
		ModifiedAt:     o.ModifiedAt,
		IsDeleted:      o.IsDeleted,
		SystemFields:   o.RemoteSystemFields,
	}
}

// SessionProgressSyncObject is the transport form of a SessionProgress.
type SessionProgressSyncObject struct {
	Base
	CurrentPosition  float64
	RelativePosition float64
	UpdatedAt        time.Time
}

func (o *SessionProgressSyncObject) RecordType() schema.RecordType {
	return schema.TypeSessionProgress
}

func (o *SessionProgressSyncObject) ToModel() schema.Record {
	return &schema.SessionProgress{
		ID:               o.RemoteIdentifier,
		SessionID:        o.OwnerContentID,
		CurrentPosition:  o.CurrentPosition,
		RelativePosition: o.RelativePosition,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		IsDeleted:        o.IsDeleted,
		SystemFields:     o.RemoteSystemFields,
	}
}

func baseFrom(id, sessionID string, createdAt time.Time, deleted bool, fields []byte) Base {
	return Base{
		RemoteIdentifier:   id,
		RemoteSystemFields: fields,
		OwnerContentID:     sessionID,
		CreatedAt:          createdAt,
		IsDeleted:          deleted,
	}
}

// FromModel converts a local record into its SyncObject.
func FromModel(rec schema.Record) (Object, error) {
	switch r := rec.(type) {
	case *schema.Favorite:
		return &FavoriteSyncObject{
			Base: baseFrom(r.ID, r.SessionID, r.CreatedAt, r.IsDeleted, r.SystemFields),
		}, nil
	case *schema.Bookmark:
		return &BookmarkSyncObject{
			Base:           baseFrom(r.ID, r.SessionID, r.CreatedAt, r.IsDeleted, r.SystemFields),
			Body:           r.Body,
			AttributedBody: r.AttributedBody,
			Timecode:       r.Timecode,
			Snapshot:       r.Snapshot,
			ModifiedAt:     r.ModifiedAt,
		}, nil
	case *schema.SessionProgress:
		return &SessionProgressSyncObject{
			Base:             baseFrom(r.ID, r.SessionID, r.CreatedAt, r.IsDeleted, r.SystemFields),
			CurrentPosition:  r.CurrentPosition,
			RelativePosition: r.RelativePosition,
			UpdatedAt:        r.UpdatedAt,
		}, nil
	}
	return nil, errUnsupported(rec)
}
