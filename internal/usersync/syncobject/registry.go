package syncobject

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// Handler bundles the per-type capabilities the engine dispatches on.
type Handler struct {
	Type schema.RecordType

	// ThrottleInterval is the minimum time between uploads of this type.
	ThrottleInterval time.Duration

	Encode  func(obj Object, zone remote.ZoneID) (*remote.Record, error)
	Decode  func(rec *remote.Record) (Object, error)
	Resolve func(client, server *remote.Record) (*remote.Record, error)
}

// Registry maps record types to their handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.RecordType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.RecordType]Handler)}
}

// DefaultRegistry returns a registry with the favorite, bookmark and session
// progress handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Handler{
		Type:             schema.TypeFavorite,
		ThrottleInterval: 0,
		Encode:           encodeFavorite,
		Decode:           decodeFavorite,
		Resolve:          clientWins(favoriteSemanticFields),
	})
	r.Register(Handler{
		Type:             schema.TypeBookmark,
		ThrottleInterval: 0,
		Encode:           encodeBookmark,
		Decode:           decodeBookmark,
		Resolve:          clientWins(bookmarkSemanticFields),
	})
	r.Register(Handler{
		Type:             schema.TypeSessionProgress,
		ThrottleInterval: 20 * time.Second,
		Encode:           encodeSessionProgress,
		Decode:           decodeSessionProgress,
		Resolve:          clientWins(sessionProgressSemanticFields),
	})
	return r
}

// Register adds a handler.
// Panics if a capability is nil or the type is already registered.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Encode == nil || h.Decode == nil || h.Resolve == nil {
		panic(fmt.Sprintf("syncobject: Register handler for %s is incomplete", h.Type))
	}

	if _, exists := r.handlers[h.Type]; exists {
		panic(fmt.Sprintf("syncobject: Register called twice for type %s", h.Type))
	}

	r.handlers[h.Type] = h
}

// Lookup returns the handler for typ.
func (r *Registry) Lookup(typ schema.RecordType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

func (r *Registry) handler(typ string) (Handler, error) {
	h, ok := r.Lookup(schema.RecordType(typ))
	if !ok {
		return Handler{}, fmt.Errorf("no handler registered for record type %q", typ)
	}
	return h, nil
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []schema.RecordType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.RecordType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ThrottleIntervals returns the per-type upload intervals.
func (r *Registry) ThrottleIntervals() map[schema.RecordType]time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[schema.RecordType]time.Duration, len(r.handlers))
	for t, h := range r.handlers {
		out[t] = h.ThrottleInterval
	}
	return out
}

// Encode converts obj into a remote record in zone.
func (r *Registry) Encode(obj Object, zone remote.ZoneID) (*remote.Record, error) {
	h, err := r.handler(string(obj.RecordType()))
	if err != nil {
		return nil, err
	}
	return h.Encode(obj, zone)
}

// EncodeModel converts a local record into a remote record in zone.
func (r *Registry) EncodeModel(rec schema.Record, zone remote.ZoneID) (*remote.Record, error) {
	obj, err := FromModel(rec)
	if err != nil {
		return nil, err
	}
	return r.Encode(obj, zone)
}

// Decode converts a remote record into its SyncObject. Errors wrap ErrDecode
// for malformed records.
func (r *Registry) Decode(rec *remote.Record) (Object, error) {
	h, err := r.handler(rec.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return h.Decode(rec)
}

// Resolve merges a rejected client record with the server copy using the
// client type's policy. Implements remote.Resolver.
func (r *Registry) Resolve(client, server *remote.Record) (*remote.Record, error) {
	h, err := r.handler(client.Type)
	if err != nil {
		return nil, err
	}
	return h.Resolve(client, server)
}
