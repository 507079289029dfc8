package eventauth

import (
	"encoding/json"
	"strconv"
)

// powerLevelContent is the parsed form of an m.room.power_levels event's
// content. Every field is optional in the wire format; absence is
// distinguished from a present-but-zero value via the map/pointer shapes
// below, matching the defaulting rules in spec.md §4.2.2/§4.2.3.
type powerLevelContent struct {
	users       map[string]json.RawMessage
	events      map[string]json.RawMessage
	usersDefault  *int64
	eventsDefault *int64
	stateDefault  *int64
	ban           *int64
	kick          *int64
	invite        *int64
	redact        *int64
}

type powerLevelsWire struct {
	Users        map[string]json.RawMessage `json:"users"`
	Events       map[string]json.RawMessage `json:"events"`
	UsersDefault json.RawMessage            `json:"users_default"`
	EventsDefault json.RawMessage           `json:"events_default"`
	StateDefault json.RawMessage            `json:"state_default"`
	Ban          json.RawMessage            `json:"ban"`
	Kick         json.RawMessage            `json:"kick"`
	Invite       json.RawMessage            `json:"invite"`
	Redact       json.RawMessage            `json:"redact"`
}

// parsePowerLevelContent decodes a power-levels event's raw content. A
// nil/empty input yields a zero-value content (every field absent).
func parsePowerLevelContent(content json.RawMessage) powerLevelContent {
	var wire powerLevelsWire
	if len(content) > 0 {
		// Malformed content is treated the same as absent content: every
		// named level and scalar below falls back to its default.
		_ = json.Unmarshal(content, &wire)
	}
	return powerLevelContent{
		users:         wire.Users,
		events:        wire.Events,
		usersDefault:  asPowerLevel(wire.UsersDefault),
		eventsDefault: asPowerLevel(wire.EventsDefault),
		stateDefault:  asPowerLevel(wire.StateDefault),
		ban:           asPowerLevel(wire.Ban),
		kick:          asPowerLevel(wire.Kick),
		invite:        asPowerLevel(wire.Invite),
		redact:        asPowerLevel(wire.Redact),
	}
}

// asPowerLevel coerces a raw JSON power-level scalar per spec.md §4.2.6:
// a JSON integer, a JSON float (truncated toward zero), or a JSON string
// parsed as a signed integer. An unparseable string, or no value at all,
// yields nil (treated as absent by every caller).
func asPowerLevel(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return &asInt
	}
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		v := int64(asFloat)
		return &v
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		v, err := strconv.ParseInt(asString, 10, 64)
		if err != nil {
			return nil
		}
		return &v
	}
	return nil
}

func (p powerLevelContent) namedLevel(name string, def int64) int64 {
	var v *int64
	switch name {
	case "ban":
		v = p.ban
	case "kick":
		v = p.kick
	case "invite":
		v = p.invite
	case "redact":
		v = p.redact
	case "users_default":
		v = p.usersDefault
	case "events_default":
		v = p.eventsDefault
	case "state_default":
		v = p.stateDefault
	}
	if v == nil {
		return def
	}
	return *v
}

// userLevel returns the effective power level for userID.
func (p powerLevelContent) userLevel(userID string) int64 {
	if raw, ok := p.users[userID]; ok {
		if v := asPowerLevel(raw); v != nil {
			return *v
		}
	}
	if p.usersDefault != nil {
		return *p.usersDefault
	}
	return 0
}

// eventLevel returns the power level required to send an event of the
// given type, falling back to the state/event default depending on
// whether the event carries a state_key.
func (p powerLevelContent) eventLevel(etype string, isState bool) int64 {
	if raw, ok := p.events[etype]; ok {
		if v := asPowerLevel(raw); v != nil {
			return *v
		}
	}
	if isState {
		if p.stateDefault != nil {
			return *p.stateDefault
		}
		return 50
	}
	if p.eventsDefault != nil {
		return *p.eventsDefault
	}
	return 0
}
