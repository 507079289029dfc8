// Package stateresolution merges several candidate room-state mappings
// produced by different branches of the event DAG into a single mapping,
// using the Authorizer to adjudicate conflicts. It implements spec.md §4.3.
package stateresolution

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"sort"

	"github.com/matrix-org/roomstate/eventauth"
	"github.com/matrix-org/roomstate/statemap"
)

// EventMap looks up an event by id. The resolver never mutates it.
type EventMap map[string]*eventauth.Event

// conflictSet tracks, for each contested (type, state_key) slot, the
// distinct candidate events seen across the input state sets. It plays the
// same role statemap.Map does elsewhere, but its values are slices, which
// statemap.Map's comparable constraint cannot hold.
type conflictSet map[statemap.Key][]*eventauth.Event

func (c conflictSet) add(etype, stateKey string, ev *eventauth.Event) {
	key := statemap.Key{Type: etype, StateKey: stateKey}
	for _, existing := range c[key] {
		if existing != nil && ev != nil && existing.EventID == ev.EventID {
			return
		}
	}
	c[key] = append(c[key], ev)
}

// ResolveState merges stateSets into a single state mapping, per
// spec.md §4.3. An empty stateSets returns an empty mapping
// (ResolveState(nil) == ResolveState([]*Map{}) == an empty *Map).
func ResolveState(stateSets []*statemap.Map[string], events EventMap) *statemap.Map[string] {
	if len(stateSets) == 0 {
		return statemap.New[string]()
	}

	unconflicted := stateSets[0].Clone()
	conflicted := conflictSet{}

	for _, m := range stateSets[1:] {
		for _, entry := range m.Iter() {
			t, s, eid := entry.Key.Type, entry.Key.StateKey, entry.Value
			key := statemap.Key{Type: t, StateKey: s}

			if _, already := conflicted[key]; already {
				conflicted.add(t, s, events[eid])
				continue
			}

			if prevEID, replaced := unconflicted.AddOrRemove(t, s, eid); replaced {
				conflicted.add(t, s, events[eid])
				conflicted.add(t, s, events[prevEID])
			}
		}
	}

	// A conflicted slot is resolved below; it does not stay unconflicted.
	for key := range conflicted {
		unconflicted.Delete(key.Type, key.StateKey)
	}

	// Build the auth-events snapshot: the union of auth_types_for_event
	// over every conflicted event, dereferenced against the unconflicted
	// state (which is guaranteed not to itself be in conflict).
	authEvents := statemap.New[*eventauth.Event]()
	seen := map[statemap.Key]struct{}{}
	for _, candidates := range conflicted {
		for _, ev := range candidates {
			if ev == nil {
				continue
			}
			for _, key := range eventauth.AuthTypesForEvent(ev) {
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				if eid, ok := unconflicted.Get(key.Type, key.StateKey); ok {
					if ev2 := events[eid]; ev2 != nil {
						authEvents.Insert(key.Type, key.StateKey, ev2)
					}
				}
			}
		}
	}

	resolved := unconflicted

	// 1. Power levels.
	if candidates, ok := conflicted[statemap.Key{Type: statemap.TypePowerLevels, StateKey: ""}]; ok {
		winner := resolveAuthEvents(statemap.TypePowerLevels, "", candidates, authEvents)
		resolved.InsertWellKnownPowerLevels(winner.EventID)
		authEvents.InsertWellKnownPowerLevels(winner)
	}

	// 2. Join rules, each against a snapshot taken before any join-rule
	// resolution (so sibling join-rule state keys can't see each other).
	joinRulesSnapshot := authEvents.Clone()
	for key, candidates := range conflicted {
		if key.Type != statemap.TypeJoinRules {
			continue
		}
		winner := resolveAuthEvents(key.Type, key.StateKey, candidates, joinRulesSnapshot)
		resolved.Insert(key.Type, key.StateKey, winner.EventID)
		authEvents.Insert(key.Type, key.StateKey, winner)
	}

	// 3. Members, each against a snapshot taken before any member
	// resolution.
	memberSnapshot := authEvents.Clone()
	for key, candidates := range conflicted {
		if key.Type != statemap.TypeMember {
			continue
		}
		winner := resolveAuthEvents(key.Type, key.StateKey, candidates, memberSnapshot)
		resolved.Insert(key.Type, key.StateKey, winner.EventID)
		authEvents.Insert(key.Type, key.StateKey, winner)
	}

	// 4. Everything else.
	for key, candidates := range conflicted {
		switch key.Type {
		case statemap.TypePowerLevels, statemap.TypeJoinRules, statemap.TypeMember:
			continue
		}
		if resolved.ContainsKey(key.Type, key.StateKey) {
			continue
		}
		winner := resolveNormalEvents(candidates, authEvents)
		resolved.Insert(key.Type, key.StateKey, winner.EventID)
	}

	return resolved
}

// resolveAuthEvents implements spec.md §4.3.1: order candidates, then walk
// them forward, authorizing each against a snapshot where this slot is set
// to the previous candidate. The walk stops at the first candidate that
// fails to authorize and returns the one before it; if every candidate
// authorizes, the last one wins.
func resolveAuthEvents(etype, stateKey string, candidates []*eventauth.Event, authEvents *statemap.Map[*eventauth.Event]) *eventauth.Event {
	ordered := orderEvents(candidates)
	snapshot := authEvents.Clone()

	prev := ordered[0]
	for _, ev := range ordered[1:] {
		snapshot.Insert(etype, stateKey, prev)
		if err := eventauth.Allowed(ev, snapshot); err != nil {
			return prev
		}
		prev = ev
	}
	return prev
}

// resolveNormalEvents implements spec.md §4.3.2: order candidates and
// return the first one that authorizes against authEvents; if none do,
// return the last in order.
func resolveNormalEvents(candidates []*eventauth.Event, authEvents *statemap.Map[*eventauth.Event]) *eventauth.Event {
	ordered := orderEvents(candidates)
	for _, ev := range ordered {
		if err := eventauth.Allowed(ev, authEvents); err == nil {
			return ev
		}
	}
	return ordered[len(ordered)-1]
}

// orderEvents implements spec.md §4.3.3: ascending depth, descending
// sha1(event_id) hex digest. (The spec describes this as "order by (depth
// descending, sha1 ascending), then reverse" — reversing a descending/
// ascending sort yields ascending/descending, which is exactly what is
// implemented directly here.)
func orderEvents(events []*eventauth.Event) []*eventauth.Event {
	out := make([]*eventauth.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return sha1Hex(out[i].EventID) > sha1Hex(out[j].EventID)
	})
	return out
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
