// Package verify checks a computed room state against an external ground
// truth, per spec.md §6's "Optional verification sink". It is the Go
// counterpart of original_source/src/main.rs's get_state/print_difference
// pair, built on database/sql + github.com/lib/pq in the idiom of
// roomserver/storage/state_snapshot_table.go.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"github.com/matrix-org/roomstate/eventauth"
	"github.com/matrix-org/roomstate/roomgraph"
)

// GetStateFunc returns the set of event ids comprising a given event's
// resolved state, as reported by an external ground-truth store.
type GetStateFunc func(ctx context.Context, eventID string) (map[string]struct{}, error)

const stateGroupsSchema = `
-- Ground-truth mapping from event id to the state group computed by an
-- independent implementation, plus the state-group DAG linking each group
-- to its predecessor and the per-group state-block contents. Read-only
-- from this package's perspective: schema creation is provided so an
-- operator can point --postgres-connection at an empty database seeded
-- separately, not so this package writes to it.
CREATE TABLE IF NOT EXISTS event_to_state_groups (
    event_id    text PRIMARY KEY,
    state_group bigint NOT NULL
);
CREATE TABLE IF NOT EXISTS state_group_edges (
    state_group      bigint NOT NULL,
    prev_state_group bigint NOT NULL
);
CREATE TABLE IF NOT EXISTS state_groups_state (
    state_group bigint NOT NULL,
    type        text NOT NULL,
    state_key   text NOT NULL,
    event_id    text NOT NULL
);
`

const getStateSQL = `
WITH RECURSIVE state(state_group) AS (
    SELECT state_group FROM event_to_state_groups WHERE event_id = $1
    UNION ALL
    SELECT prev_state_group FROM state_group_edges e, state s
    WHERE s.state_group = e.state_group
)
SELECT DISTINCT last_value(event_id) OVER (
    PARTITION BY type, state_key ORDER BY state_group ASC
    ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING
) AS event_id FROM state_groups_state
WHERE state_group IN (
    SELECT state_group FROM state
)
`

// PostgresSink is a GetStateFunc backed by a Postgres database holding an
// independently computed state-group table, queried via the recursive CTE
// above.
type PostgresSink struct {
	getStateStmt *sql.Stmt
}

// NewPostgresSink opens connStr (a lib/pq connection string), ensures the
// schema exists, and prepares the lookup statement.
func NewPostgresSink(connStr string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("verify: opening postgres connection: %w", err)
	}
	if _, err := db.Exec(stateGroupsSchema); err != nil {
		return nil, fmt.Errorf("verify: preparing schema: %w", err)
	}
	stmt, err := db.Prepare(getStateSQL)
	if err != nil {
		return nil, fmt.Errorf("verify: preparing get-state statement: %w", err)
	}
	return &PostgresSink{getStateStmt: stmt}, nil
}

// GetState implements GetStateFunc.
func (s *PostgresSink) GetState(ctx context.Context, eventID string) (map[string]struct{}, error) {
	rows, err := s.getStateStmt.QueryContext(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, err
		}
		out[eventID] = struct{}{}
	}
	return out, rows.Err()
}

// computedState returns the set of event ids in ordered[idx]'s computed
// state, read out of graph's state-group table.
func computedState(ordered []string, graph *roomgraph.Graph, idx int) map[string]struct{} {
	eventID := ordered[idx]
	sg := graph.EventToGroup[eventID]
	state := graph.GroupToState[sg]

	out := make(map[string]struct{}, state.Len())
	for _, v := range state.Values() {
		out[v] = struct{}{}
	}
	return out
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// FindFirstDivergence performs the binary search described in spec.md §6:
// "treating equal as less so the search lands on the first mismatch". It
// returns the index into ordered of the first event whose computed state
// differs from sink's, and whether any divergence was found at all.
//
// As in the original, this assumes that once two state views start to
// diverge they never coincide again later in the order — sort.Search is
// only correct over a monotonic predicate.
func FindFirstDivergence(ctx context.Context, ordered []string, graph *roomgraph.Graph, sink GetStateFunc) (int, bool, error) {
	var sinkErr error
	idx := sort.Search(len(ordered), func(i int) bool {
		if sinkErr != nil {
			return true
		}
		actual, err := sink(ctx, ordered[i])
		if err != nil {
			sinkErr = err
			return true
		}
		computed := computedState(ordered, graph, i)
		return !sameSet(computed, actual)
	})
	if sinkErr != nil {
		return 0, false, sinkErr
	}
	return idx, idx < len(ordered), nil
}

// Divergence names a single (type, state_key) slot that disagrees between
// the computed and actual state at some event, and which side the winning
// event id came from.
type Divergence struct {
	Type     string
	StateKey string
	EventID  string
	InActual bool // true if EventID came from the sink, false if only computed locally
}

// Difference reports the symmetric difference between the computed state
// at ordered[idx] and sink's state for the same event, resolving each
// differing event id back to its (type, state_key) via eventMap — mirrors
// print_difference in original_source/src/main.rs, but returns structured
// data instead of printing.
func Difference(ctx context.Context, ordered []string, idx int, graph *roomgraph.Graph, sink GetStateFunc, eventMap map[string]*eventauth.Event) ([]Divergence, error) {
	actual, err := sink(ctx, ordered[idx])
	if err != nil {
		return nil, err
	}
	computed := computedState(ordered, graph, idx)

	var out []Divergence
	for eid := range actual {
		if _, ok := computed[eid]; ok {
			continue
		}
		out = append(out, divergenceFor(eid, eventMap, true))
	}
	for eid := range computed {
		if _, ok := actual[eid]; ok {
			continue
		}
		out = append(out, divergenceFor(eid, eventMap, false))
	}
	return out, nil
}

func divergenceFor(eventID string, eventMap map[string]*eventauth.Event, inActual bool) Divergence {
	ev, ok := eventMap[eventID]
	if !ok || ev.StateKey == nil {
		return Divergence{EventID: eventID, InActual: inActual}
	}
	return Divergence{Type: ev.Type, StateKey: *ev.StateKey, EventID: eventID, InActual: inActual}
}
