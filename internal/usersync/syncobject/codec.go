package syncobject

import (
	"errors"
	"fmt"
	"time"

	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// Remote field keys.
const (
	FieldSessionID        = "sessionId"
	FieldCreatedAt        = "createdAt"
	FieldIsDeleted        = "isDeleted"
	FieldBody             = "body"
	FieldAttributedBody   = "attributedBody"
	FieldTimecode         = "timecode"
	FieldSnapshot         = "snapshot"
	FieldModifiedAt       = "modifiedAt"
	FieldCurrentPosition  = "currentPosition"
	FieldRelativePosition = "relativePosition"
	FieldUpdatedAt        = "updatedAt"
)

// ErrDecode is wrapped by every decode failure.
var ErrDecode = errors.New("malformed remote record")

func errUnsupported(v any) error {
	return fmt.Errorf("unsupported sync object %T", v)
}

// fieldWriter collects the first Set error.
type fieldWriter struct {
	rec *remote.Record
	err error
}

func (w *fieldWriter) set(key string, v any) {
	if w.err == nil {
		w.err = w.rec.Set(key, v)
	}
}

func (w *fieldWriter) setBytes(key string, b []byte) {
	if len(b) > 0 {
		w.set(key, b)
	}
}

// fieldReader collects the first decode error.
type fieldReader struct {
	rec *remote.Record
	err error
}

func (r *fieldReader) get(key string, v any, required bool) {
	if r.err != nil {
		return
	}
	ok, err := r.rec.Get(key, v)
	if err != nil {
		r.err = fmt.Errorf("%w: %s %s: %v", ErrDecode, r.rec.Type, r.rec.ID.Name, err)
		return
	}
	if !ok && required {
		r.err = fmt.Errorf("%w: %s %s: missing field %s", ErrDecode, r.rec.Type, r.rec.ID.Name, key)
	}
}

func (r *fieldReader) time(key string, required bool) time.Time {
	var t time.Time
	r.get(key, &t, required)
	return t.UTC()
}

func encodeBase(obj Object, zone remote.ZoneID) (*remote.Record, *fieldWriter) {
	meta := obj.Meta()
	rec := remote.NewRecord(string(obj.RecordType()), remote.RecordID{Zone: zone, Name: meta.RemoteIdentifier})
	if meta.RemoteSystemFields != nil {
		rec.SystemFields = append([]byte(nil), meta.RemoteSystemFields...)
	}

	w := &fieldWriter{rec: rec}
	w.set(FieldSessionID, meta.OwnerContentID)
	w.set(FieldCreatedAt, meta.CreatedAt.UTC())
	w.set(FieldIsDeleted, meta.IsDeleted)
	return rec, w
}

func decodeBase(rec *remote.Record, typ schema.RecordType) (Base, *fieldReader) {
	r := &fieldReader{rec: rec}
	if rec.Type != string(typ) {
		r.err = fmt.Errorf("%w: expected %s, got %s", ErrDecode, typ, rec.Type)
		return Base{}, r
	}
	if rec.ID.Name == "" {
		r.err = fmt.Errorf("%w: %s has no record name", ErrDecode, typ)
		return Base{}, r
	}

	b := Base{RemoteIdentifier: rec.ID.Name}
	if rec.SystemFields != nil {
		b.RemoteSystemFields = append([]byte(nil), rec.SystemFields...)
	}
	r.get(FieldSessionID, &b.OwnerContentID, true)
	b.CreatedAt = r.time(FieldCreatedAt, true)
	r.get(FieldIsDeleted, &b.IsDeleted, false)
	if r.err == nil && b.OwnerContentID == "" {
		r.err = fmt.Errorf("%w: %s %s has an empty session id", ErrDecode, typ, rec.ID.Name)
	}
	return b, r
}

func encodeFavorite(obj Object, zone remote.ZoneID) (*remote.Record, error) {
	if _, ok := obj.(*FavoriteSyncObject); !ok {
		return nil, errUnsupported(obj)
	}
	rec, w := encodeBase(obj, zone)
	return rec, w.err
}

func decodeFavorite(rec *remote.Record) (Object, error) {
	b, r := decodeBase(rec, schema.TypeFavorite)
	if r.err != nil {
		return nil, r.err
	}
	return &FavoriteSyncObject{Base: b}, nil
}

func encodeBookmark(obj Object, zone remote.ZoneID) (*remote.Record, error) {
	o, ok := obj.(*BookmarkSyncObject)
	if !ok {
		return nil, errUnsupported(obj)
	}
	rec, w := encodeBase(obj, zone)
	w.set(FieldBody, o.Body)
	w.setBytes(FieldAttributedBody, o.AttributedBody)
	w.set(FieldTimecode, o.Timecode)
	w.setBytes(FieldSnapshot, o.Snapshot)
	w.set(FieldModifiedAt, o.ModifiedAt.UTC())
	return rec, w.err
}

func decodeBookmark(rec *remote.Record) (Object, error) {
	b, r := decodeBase(rec, schema.TypeBookmark)
	o := &BookmarkSyncObject{Base: b}
	r.get(FieldBody, &o.Body, false)
	r.get(FieldAttributedBody, &o.AttributedBody, false)
	r.get(FieldTimecode, &o.Timecode, false)
	r.get(FieldSnapshot, &o.Snapshot, false)
	o.ModifiedAt = r.time(FieldModifiedAt, false)
	if r.err != nil {
		return nil, r.err
	}
	return o, nil
}

func encodeSessionProgress(obj Object, zone remote.ZoneID) (*remote.Record, error) {
	o, ok := obj.(*SessionProgressSyncObject)
	if !ok {
		return nil, errUnsupported(obj)
	}
	rec, w := encodeBase(obj, zone)
	w.set(FieldCurrentPosition, o.CurrentPosition)
	w.set(FieldRelativePosition, o.RelativePosition)
	w.set(FieldUpdatedAt, o.UpdatedAt.UTC())
	return rec, w.err
}

func decodeSessionProgress(rec *remote.Record) (Object, error) {
	b, r := decodeBase(rec, schema.TypeSessionProgress)
	o := &SessionProgressSyncObject{Base: b}
	r.get(FieldCurrentPosition, &o.CurrentPosition, false)
	r.get(FieldRelativePosition, &o.RelativePosition, false)
	o.UpdatedAt = r.time(FieldUpdatedAt, false)
	if r.err != nil {
		return nil, r.err
	}
	return o, nil
}
