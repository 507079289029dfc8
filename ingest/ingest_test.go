package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_BuildsParentsAndExtremities(t *testing.T) {
	input := strings.Join([]string{
		`{"event_id":"$e1:x","room_id":"!r:x","sender":"@u:x","type":"m.room.create","state_key":"","depth":0,"content":{}}`,
		`{"event_id":"$e2:x","room_id":"!r:x","sender":"@u:x","type":"m.room.message","prev_events":["$e1:x"],"depth":1,"content":{}}`,
	}, "\n")

	g, err := Load(strings.NewReader(input))
	require.NoError(t, err)

	assert.Len(t, g.EventMap, 2)
	assert.Contains(t, g.Parents["$e1:x"], "$e2:x")
	assert.Contains(t, g.Extremities, "$e2:x")
	assert.NotContains(t, g.Extremities, "$e1:x")
}

func TestLoad_MalformedJSONReportsLineNumber(t *testing.T) {
	input := strings.Join([]string{
		`{"event_id":"$e1:x","room_id":"!r:x","sender":"@u:x","type":"m.room.create","depth":0,"content":{}}`,
		`not json`,
	}, "\n")

	_, err := Load(strings.NewReader(input))
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
}

func TestLoad_MissingDomainSeparatorIsFatal(t *testing.T) {
	input := `{"event_id":"noDomain","room_id":"!r:x","sender":"@u:x","type":"m.room.create","depth":0,"content":{}}`

	_, err := Load(strings.NewReader(input))
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 1, parseErr.Line)
}

func TestLoad_BlankLinesAreSkipped(t *testing.T) {
	input := "\n\n" + `{"event_id":"$e1:x","room_id":"!r:x","sender":"@u:x","type":"m.room.create","depth":0,"content":{}}` + "\n\n"

	g, err := Load(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, g.EventMap, 1)
}
