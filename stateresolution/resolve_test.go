package stateresolution

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/roomstate/eventauth"
	"github.com/matrix-org/roomstate/statemap"
)

func strptr(s string) *string { return &s }

func mustEvent(t *testing.T, ev *eventauth.Event) *eventauth.Event {
	t.Helper()
	return ev
}

func memberEvent(id, sender, target, membership string, depth int64) *eventauth.Event {
	content, _ := json.Marshal(map[string]string{"membership": membership})
	return &eventauth.Event{
		EventID:  id,
		RoomID:   "!room:example.org",
		Sender:   sender,
		Type:     statemap.TypeMember,
		StateKey: strptr(target),
		Depth:    depth,
		Content:  content,
	}
}

func TestResolveState_NoConflict(t *testing.T) {
	createEv := &eventauth.Event{EventID: "$create", Type: statemap.TypeCreate, StateKey: strptr(""), Depth: 0}
	events := EventMap{createEv.EventID: createEv}

	m := statemap.New[string]()
	m.Insert(statemap.TypeCreate, "", createEv.EventID)

	resolved := ResolveState([]*statemap.Map[string]{m, m.Clone()}, events)
	assert.Equal(t, 1, resolved.Len())
	id, ok := resolved.Get(statemap.TypeCreate, "")
	require.True(t, ok)
	assert.Equal(t, createEv.EventID, id)
}

func TestResolveState_Empty(t *testing.T) {
	resolved := ResolveState(nil, EventMap{})
	assert.Equal(t, 0, resolved.Len())
}

func TestOrderEvents_DepthThenHash(t *testing.T) {
	a := &eventauth.Event{EventID: "$a", Depth: 1}
	b := &eventauth.Event{EventID: "$b", Depth: 2}
	c := &eventauth.Event{EventID: "$c", Depth: 1}

	ordered := orderEvents([]*eventauth.Event{b, a, c})
	assert.Equal(t, int64(1), ordered[0].Depth)
	assert.Equal(t, int64(1), ordered[1].Depth)
	assert.Greater(t, sha1Hex(ordered[0].EventID), sha1Hex(ordered[1].EventID), "equal depths order by descending sha1 hex")
	assert.Equal(t, "$b", ordered[2].EventID)
}

func TestResolveState_ConflictingMembership(t *testing.T) {
	createEv := &eventauth.Event{EventID: "$create", Type: statemap.TypeCreate, StateKey: strptr(""), Depth: 0,
		Content: mustContent(t, map[string]string{"creator": "@alice:example.org"})}
	powerLevels := &eventauth.Event{EventID: "$pl", Type: statemap.TypePowerLevels, StateKey: strptr(""), Depth: 1,
		Content: mustContent(t, map[string]interface{}{"users": map[string]int64{"@alice:example.org": 100}})}
	aliceJoin := memberEvent("$ajoin", "@alice:example.org", "@alice:example.org", "join", 1)
	bobInviteA := memberEvent("$binviteA", "@alice:example.org", "@bob:example.org", "invite", 2)
	bobInviteB := memberEvent("$binviteB", "@alice:example.org", "@bob:example.org", "ban", 2)

	events := EventMap{
		createEv.EventID:   createEv,
		powerLevels.EventID: powerLevels,
		aliceJoin.EventID:  aliceJoin,
		bobInviteA.EventID: bobInviteA,
		bobInviteB.EventID: bobInviteB,
	}

	base := statemap.New[string]()
	base.Insert(statemap.TypeCreate, "", createEv.EventID)
	base.Insert(statemap.TypePowerLevels, "", powerLevels.EventID)
	base.Insert(statemap.TypeMember, "@alice:example.org", aliceJoin.EventID)

	branchA := base.Clone()
	branchA.Insert(statemap.TypeMember, "@bob:example.org", bobInviteA.EventID)

	branchB := base.Clone()
	branchB.Insert(statemap.TypeMember, "@bob:example.org", bobInviteB.EventID)

	resolved := ResolveState([]*statemap.Map[string]{branchA, branchB}, events)
	winner, ok := resolved.Get(statemap.TypeMember, "@bob:example.org")
	require.True(t, ok)
	assert.Contains(t, []string{bobInviteA.EventID, bobInviteB.EventID}, winner)
}

func mustContent(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
