// Package presence tracks live chat connections and their optional display
// names. The registry is an arena keyed by connection ID: records are created
// on connect, mutated by name-set actions, and destroyed on disconnect.
package presence

import (
	"errors"

	"github.com/samber/lo"
)

// ErrNotRegistered is returned when a name is set for a connection that is
// not (or no longer) in the registry.
var ErrNotRegistered = errors.New("presence: connection not registered")

type record struct {
	name  string
	named bool
}

// Registry maps connection IDs to display names. It is not safe for
// concurrent use; the relay goroutine owns it exclusively.
type Registry struct {
	records map[string]*record
	order   []string // connection IDs in connect order
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*record),
	}
}

// Register creates an unnamed record for id. Registering an ID that is
// already present resets it to unnamed.
func (r *Registry) Register(id string) {
	if _, ok := r.records[id]; !ok {
		r.order = append(r.order, id)
	}
	r.records[id] = &record{}
}

// SetName stores name for id, overwriting any previous value, and returns the
// stored name.
func (r *Registry) SetName(id, name string) (string, error) {
	rec, ok := r.records[id]
	if !ok {
		return "", ErrNotRegistered
	}
	rec.name = name
	rec.named = true
	return rec.name, nil
}

// Name returns the display name for id. The boolean is false while the name
// is unset, including for unknown IDs.
func (r *Registry) Name(id string) (string, bool) {
	rec, ok := r.records[id]
	if !ok || !rec.named {
		return "", false
	}
	return rec.name, true
}

// Unregister removes the record for id and returns the name it carried, if
// any.
func (r *Registry) Unregister(id string) (string, bool) {
	rec, ok := r.records[id]
	if !ok {
		return "", false
	}
	delete(r.records, id)
	r.order = lo.Without(r.order, id)
	return rec.name, rec.named
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.records[id]
	return ok
}

// IDs returns a snapshot of the registered connection IDs in connect order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.records)
}

// Named returns how many registered connections have set a display name.
func (r *Registry) Named() int {
	return lo.CountBy(lo.Values(r.records), func(rec *record) bool {
		return rec.named
	})
}
