// Package statemap implements the two-key associative container used to
// represent Matrix room state: a mapping from (event type, state key) to a
// value, which is either an event id (the state stored per state group) or
// an event reference (the auth-state snapshots consulted during
// resolution).
package statemap

// Well-known event types that get their own iterators because the
// authorization and resolution algorithms treat them specially.
const (
	TypeMember      = "m.room.member"
	TypeJoinRules   = "m.room.join_rules"
	TypePowerLevels = "m.room.power_levels"
	TypeCreate      = "m.room.create"
)

// Key identifies a single state slot.
type Key struct {
	Type     string
	StateKey string
}

// Map is a mapping from (type, state_key) to V. The zero value is not
// usable; construct with New.
type Map[V comparable] struct {
	entries map[Key]V
}

// New returns an empty Map.
func New[V comparable]() *Map[V] {
	return &Map[V]{entries: make(map[Key]V)}
}

// Clone returns a shallow copy of m. Values are copied by assignment, so
// this is cheap for the id/pointer value types this package is used with.
func (m *Map[V]) Clone() *Map[V] {
	c := New[V]()
	for k, v := range m.entries {
		c.entries[k] = v
	}
	return c
}

// Get returns the value stored for (etype, stateKey), if any.
func (m *Map[V]) Get(etype, stateKey string) (V, bool) {
	v, ok := m.entries[Key{etype, stateKey}]
	return v, ok
}

// ContainsKey reports whether (etype, stateKey) has a value.
func (m *Map[V]) ContainsKey(etype, stateKey string) bool {
	_, ok := m.entries[Key{etype, stateKey}]
	return ok
}

// Insert sets (etype, stateKey) to v, overwriting any previous value.
func (m *Map[V]) Insert(etype, stateKey string, v V) {
	m.entries[Key{etype, stateKey}] = v
}

// Delete removes (etype, stateKey) if present.
func (m *Map[V]) Delete(etype, stateKey string) {
	delete(m.entries, Key{etype, stateKey})
}

// AddOrRemove implements the resolver's conflict-detection primitive: if an
// entry already exists with a different value, it is replaced and the
// previous value is returned with ok=true. If no entry exists, v is
// inserted and ok is false. If the existing value already equals v, nothing
// changes and ok is false.
func (m *Map[V]) AddOrRemove(etype, stateKey string, v V) (prev V, ok bool) {
	key := Key{etype, stateKey}
	existing, has := m.entries[key]
	if !has {
		m.entries[key] = v
		return prev, false
	}
	if existing == v {
		return prev, false
	}
	m.entries[key] = v
	return existing, true
}

// Values returns every value in the map, in unspecified order.
func (m *Map[V]) Values() []V {
	out := make([]V, 0, len(m.entries))
	for _, v := range m.entries {
		out = append(out, v)
	}
	return out
}

// Entry pairs a key with its value, used by Iter and IterNonMembers.
type Entry[V comparable] struct {
	Key   Key
	Value V
}

// Iter returns every (key, value) pair in the map, in unspecified order.
func (m *Map[V]) Iter() []Entry[V] {
	out := make([]Entry[V], 0, len(m.entries))
	for k, v := range m.entries {
		out = append(out, Entry[V]{k, v})
	}
	return out
}

// KeyedEntry pairs a bare state key (the type is implied by the iterator)
// with its value.
type KeyedEntry[V comparable] struct {
	StateKey string
	Value    V
}

// IterMembers returns every m.room.member entry.
func (m *Map[V]) IterMembers() []KeyedEntry[V] {
	return m.iterType(TypeMember)
}

// IterJoinRules returns every m.room.join_rules entry. In a well-formed room
// there is at most one (state_key ""), but conflicted input during
// resolution may legitimately hold several distinct state keys if a bad
// event ever used a non-empty one, so this iterates all of them.
func (m *Map[V]) IterJoinRules() []KeyedEntry[V] {
	return m.iterType(TypeJoinRules)
}

func (m *Map[V]) iterType(etype string) []KeyedEntry[V] {
	var out []KeyedEntry[V]
	for k, v := range m.entries {
		if k.Type == etype {
			out = append(out, KeyedEntry[V]{k.StateKey, v})
		}
	}
	return out
}

// IterNonMembers returns every entry whose type is neither m.room.member,
// m.room.join_rules, nor m.room.power_levels.
func (m *Map[V]) IterNonMembers() []Entry[V] {
	var out []Entry[V]
	for k, v := range m.entries {
		switch k.Type {
		case TypeMember, TypeJoinRules, TypePowerLevels:
			continue
		}
		out = append(out, Entry[V]{k, v})
	}
	return out
}

// InsertWellKnownPowerLevels is the (m.room.power_levels, "") convenience.
func (m *Map[V]) InsertWellKnownPowerLevels(v V) {
	m.Insert(TypePowerLevels, "", v)
}

// GetWellKnownPowerLevels is the (m.room.power_levels, "") convenience.
func (m *Map[V]) GetWellKnownPowerLevels() (V, bool) {
	return m.Get(TypePowerLevels, "")
}

// Len returns the number of entries in the map.
func (m *Map[V]) Len() int {
	return len(m.entries)
}
