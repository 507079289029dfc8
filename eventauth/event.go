// Package eventauth implements the authorization predicate that decides
// whether a single event is allowed given the room state that it claims to
// build on.
package eventauth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is the immutable, minimal view of a room event that the
// authorization rules need. Unrecognized JSON fields are ignored by
// encoding/json, satisfying the ingestion contract without extra code.
type Event struct {
	EventID    string          `json:"event_id"`
	RoomID     string          `json:"room_id"`
	Sender     string          `json:"sender"`
	Type       string          `json:"type"`
	StateKey   *string         `json:"state_key"`
	PrevEvents []string        `json:"-"`
	Depth      int64           `json:"depth"`
	Redacts    *string         `json:"redacts"`
	Content    json.RawMessage `json:"content"`
}

// rawEvent mirrors the wire format, which pairs each prev_event id with an
// opaque auxiliary object (historically a hash map) that the core ignores.
type rawEvent struct {
	EventID    string            `json:"event_id"`
	RoomID     string            `json:"room_id"`
	Sender     string            `json:"sender"`
	Type       string            `json:"type"`
	StateKey   *string           `json:"state_key"`
	PrevEvents []json.RawMessage `json:"prev_events"`
	Depth      int64             `json:"depth"`
	Redacts    *string           `json:"redacts"`
	Content    json.RawMessage   `json:"content"`
}

// UnmarshalJSON accepts prev_events encoded either as a bare list of event
// id strings or as the federation pair-list form `[[event_id, {...}], ...]`.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.EventID = raw.EventID
	e.RoomID = raw.RoomID
	e.Sender = raw.Sender
	e.Type = raw.Type
	e.StateKey = raw.StateKey
	e.Depth = raw.Depth
	e.Redacts = raw.Redacts
	e.Content = raw.Content

	e.PrevEvents = make([]string, len(raw.PrevEvents))
	for i, pe := range raw.PrevEvents {
		// Try the pair form [event_id, {...}] first, then fall back to a
		// bare string.
		var pair []json.RawMessage
		if err := json.Unmarshal(pe, &pair); err == nil && len(pair) > 0 {
			var id string
			if err := json.Unmarshal(pair[0], &id); err != nil {
				return fmt.Errorf("prev_events[%d]: %w", i, err)
			}
			e.PrevEvents[i] = id
			continue
		}
		var id string
		if err := json.Unmarshal(pe, &id); err != nil {
			return fmt.Errorf("prev_events[%d]: %w", i, err)
		}
		e.PrevEvents[i] = id
	}
	return nil
}

// IsState reports whether the event carries a state_key, making it a state
// event whose effect is to set a slot in room state.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// domainFromID splits a Matrix-style id of the form "<local>:<domain>" and
// returns the domain part. Mirrors get_domain_from_id in
// original_source/src/auth.rs.
func domainFromID(id string) (string, error) {
	idx := strings.IndexByte(id, ':')
	if idx < 0 {
		return "", fmt.Errorf("invalid ID: %q", id)
	}
	return id[idx+1:], nil
}

// NotAllowed is returned by Allowed when an event fails an authorization
// rule. The Message names the specific clause that failed.
type NotAllowed struct {
	Message string
}

func (a *NotAllowed) Error() string {
	return "eventauth: " + a.Message
}

func errorf(format string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(format, args...)}
}
