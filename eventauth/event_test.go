package eventauth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalJSON_BareStringPrevEvents(t *testing.T) {
	raw := `{"event_id":"$a","room_id":"!r:x","sender":"@u:x","type":"m.room.message",
	         "prev_events":["$p1","$p2"],"depth":3,"content":{}}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, []string{"$p1", "$p2"}, ev.PrevEvents)
	assert.Equal(t, int64(3), ev.Depth)
}

func TestUnmarshalJSON_PairListPrevEvents(t *testing.T) {
	raw := `{"event_id":"$a","room_id":"!r:x","sender":"@u:x","type":"m.room.message",
	         "prev_events":[["$p1",{"sha256":"abc"}],["$p2",{}]],"depth":3,"content":{}}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, []string{"$p1", "$p2"}, ev.PrevEvents)
}

func TestIsState(t *testing.T) {
	sk := "@u:x"
	ev := Event{StateKey: &sk}
	assert.True(t, ev.IsState())

	ev2 := Event{}
	assert.False(t, ev2.IsState())
}

func TestDomainFromID(t *testing.T) {
	d, err := domainFromID("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", d)

	_, err = domainFromID("not-an-id")
	assert.Error(t, err)
}
