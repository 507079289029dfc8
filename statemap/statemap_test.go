package statemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOrRemove(t *testing.T) {
	m := New[string]()

	_, replaced := m.AddOrRemove(TypeMember, "@alice:example.org", "$a")
	assert.False(t, replaced)

	_, replaced = m.AddOrRemove(TypeMember, "@alice:example.org", "$a")
	assert.False(t, replaced, "inserting the same value twice is not a conflict")

	prev, replaced := m.AddOrRemove(TypeMember, "@alice:example.org", "$b")
	require.True(t, replaced)
	assert.Equal(t, "$a", prev)

	v, ok := m.Get(TypeMember, "@alice:example.org")
	require.True(t, ok)
	assert.Equal(t, "$b", v)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New[string]()
	m.Insert(TypeCreate, "", "$create")

	c := m.Clone()
	c.Insert(TypeMember, "@alice:example.org", "$a")

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, c.Len())
}

func TestIterMembersAndJoinRules(t *testing.T) {
	m := New[string]()
	m.Insert(TypeMember, "@alice:example.org", "$a")
	m.Insert(TypeMember, "@bob:example.org", "$b")
	m.Insert(TypeJoinRules, "", "$jr")
	m.Insert(TypeCreate, "", "$create")

	members := m.IterMembers()
	assert.Len(t, members, 2)

	joinRules := m.IterJoinRules()
	require.Len(t, joinRules, 1)
	assert.Equal(t, "$jr", joinRules[0].Value)
}

func TestIterNonMembersExcludesSpecialTypes(t *testing.T) {
	m := New[string]()
	m.Insert(TypeMember, "@alice:example.org", "$a")
	m.Insert(TypeJoinRules, "", "$jr")
	m.Insert(TypePowerLevels, "", "$pl")
	m.Insert("m.room.topic", "", "$topic")

	nonMembers := m.IterNonMembers()
	require.Len(t, nonMembers, 1)
	assert.Equal(t, "m.room.topic", nonMembers[0].Key.Type)
}

func TestWellKnownPowerLevels(t *testing.T) {
	m := New[string]()
	_, ok := m.GetWellKnownPowerLevels()
	assert.False(t, ok)

	m.InsertWellKnownPowerLevels("$pl")
	v, ok := m.GetWellKnownPowerLevels()
	require.True(t, ok)
	assert.Equal(t, "$pl", v)
}

func TestDeleteAndContainsKey(t *testing.T) {
	m := New[string]()
	m.Insert(TypeCreate, "", "$create")
	assert.True(t, m.ContainsKey(TypeCreate, ""))

	m.Delete(TypeCreate, "")
	assert.False(t, m.ContainsKey(TypeCreate, ""))
}
