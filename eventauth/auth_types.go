package eventauth

import (
	"encoding/json"

	"github.com/matrix-org/roomstate/statemap"
)

// AuthTypesForEvent returns the list of state slots that event's
// authorization consults, per spec.md §4.2.7. Running it twice on the same
// event yields equal results (it is a pure function of event).
func AuthTypesForEvent(event *Event) []statemap.Key {
	if event.Type == statemap.TypeCreate {
		return nil
	}

	keys := []statemap.Key{
		{Type: statemap.TypeCreate, StateKey: ""},
		{Type: statemap.TypePowerLevels, StateKey: ""},
		{Type: statemap.TypeMember, StateKey: event.Sender},
	}

	if event.Type == statemap.TypeMember {
		if event.StateKey != nil {
			keys = append(keys, statemap.Key{Type: statemap.TypeMember, StateKey: *event.StateKey})
		}

		var content struct {
			Membership string `json:"membership"`
		}
		_ = json.Unmarshal(event.Content, &content)
		if content.Membership == "join" || content.Membership == "invite" {
			keys = append(keys, statemap.Key{Type: statemap.TypeJoinRules, StateKey: ""})
		}
	}

	return keys
}
