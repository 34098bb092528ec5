package remote

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultOwner is the owner name of zones in the current user's private database.
const DefaultOwner = "__defaultOwner__"

const (
	// DefaultZoneName is the zone holding every user data record.
	DefaultZoneName = "WWDCV6"
	// DefaultSubscriptionID identifies the private change subscription on DefaultZoneName.
	DefaultSubscriptionID = "wwdcv6-private-changes"
)

// ZoneID names a synchronization scope in the remote store.
type ZoneID struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// DefaultZone returns the zone used for user data.
func DefaultZone() ZoneID {
	return ZoneID{Owner: DefaultOwner, Name: DefaultZoneName}
}

func (z ZoneID) String() string {
	return z.Owner + "/" + z.Name
}

// RecordID is the remote primary key of a record.
type RecordID struct {
	Zone ZoneID `json:"zone"`
	Name string `json:"name"`
}

func (id RecordID) String() string {
	return id.Zone.String() + "/" + id.Name
}

// Record is the transport form of a synchronizable record.
//
// SystemFields is opaque metadata issued by the store; it must be sent back
// unchanged on the next save of the same record. Nil means the record has
// never been saved.
type Record struct {
	Type         string                     `json:"type"`
	ID           RecordID                   `json:"id"`
	SystemFields []byte                     `json:"systemFields,omitempty"`
	Fields       map[string]json.RawMessage `json:"fields"`
}

// NewRecord creates an empty record of the given type.
func NewRecord(typ string, id RecordID) *Record {
	return &Record{Type: typ, ID: id, Fields: make(map[string]json.RawMessage)}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Type: r.Type, ID: r.ID}
	if r.SystemFields != nil {
		out.SystemFields = append([]byte(nil), r.SystemFields...)
	}
	out.Fields = make(map[string]json.RawMessage, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Set stores v under key as JSON.
func (r *Record) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode field %s: %w", key, err)
	}
	if r.Fields == nil {
		r.Fields = make(map[string]json.RawMessage)
	}
	r.Fields[key] = data
	return nil
}

// Get decodes the field under key into v. Returns false if the field is absent.
func (r *Record) Get(key string, v any) (bool, error) {
	data, ok := r.Fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode field %s: %w", key, err)
	}
	return true, nil
}

// FieldKeys returns the keys of r's fields in sorted order.
func (r *Record) FieldKeys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Deletion reports a record removed from the store.
type Deletion struct {
	ID   RecordID `json:"id"`
	Type string   `json:"type"`
}
