// Package roomgraph implements the DAG traversal and state-group engine:
// it topologically orders an event graph and walks it, assigning every
// event to a state group; an event whose state is unchanged from its single
// predecessor shares that predecessor's group. It implements spec.md §4.4.
package roomgraph

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/roomstate/eventauth"
	"github.com/matrix-org/roomstate/statemap"
	"github.com/matrix-org/roomstate/stateresolution"
)

// StateGroupID names a state mapping produced during traversal. A non-state
// event with exactly one known predecessor reuses that predecessor's group;
// every other event gets a new group, even when its mapping equals one
// already stored. A state event's group includes the event's own entry.
type StateGroupID int64

// ErrIncompleteOrdering is returned by Run when the topological sort does not
// consume every event in the input graph — an invariant violation, never
// expected against well-formed input.
var ErrIncompleteOrdering = errors.New("roomgraph: topological ordering did not consume all events")

var eventStateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "roomstate",
	Name:      "event_state_duration_seconds",
	Help:      "Time to compute one event's pre-event state during the DAG walk.",
	Buckets:   prometheus.DefBuckets,
})

func init() {
	prometheus.MustRegister(eventStateDuration)
}

// Graph holds the event DAG and the state-group assignments computed by
// Run. The zero value is not usable; construct with NewGraph.
type Graph struct {
	events      map[string]*eventauth.Event
	parents     map[string]map[string]struct{}
	extremities map[string]struct{}

	ordered []string

	nextGroup    StateGroupID
	EventToGroup map[string]StateGroupID
	GroupToState map[StateGroupID]*statemap.Map[string]
}

// NewGraph builds a Graph from the event map, the parent adjacency (event id
// → set of child event ids that name it in their prev_events), and the set
// of extremities (events with no children in the input). Run must be called
// before EventToGroup/GroupToState/Ordered are meaningful.
func NewGraph(events map[string]*eventauth.Event, parents map[string]map[string]struct{}, extremities map[string]struct{}) *Graph {
	return &Graph{
		events:       events,
		parents:      parents,
		extremities:  extremities,
		EventToGroup: make(map[string]StateGroupID, len(events)),
		GroupToState: make(map[StateGroupID]*statemap.Map[string]),
	}
}

// Ordered returns the topological order computed by Run (roots first).
func (g *Graph) Ordered() []string {
	return g.ordered
}

// Run performs the topological sort and the state walk, populating
// EventToGroup and GroupToState. It is the caller's responsibility to call
// Run exactly once per Graph.
func (g *Graph) Run() error {
	if err := g.topologicalSort(); err != nil {
		return err
	}
	g.walkState()
	return nil
}

// topologicalSort implements spec.md §4.4's Kahn-style traversal: starting
// from the extremities (treated as zero-indegree against the child count),
// repeatedly pop an event, decrement each of its predecessors' remaining
// child count, and enqueue any predecessor that reaches zero. The raw
// result walks from leaves to roots; it is reversed so roots come first.
func (g *Graph) topologicalSort() error {
	remaining := make(map[string]int, len(g.events))
	for id := range g.events {
		remaining[id] = len(g.parents[id])
	}

	queue := make([]string, 0, len(g.extremities))
	for id := range g.extremities {
		queue = append(queue, id)
	}

	result := make([]string, 0, len(g.events))
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		result = append(result, e)

		ev, ok := g.events[e]
		if !ok {
			continue
		}
		for _, p := range ev.PrevEvents {
			remaining[p]--
			if remaining[p] == 0 {
				queue = append(queue, p)
			}
		}
	}

	if len(result) != len(g.events) {
		return ErrIncompleteOrdering
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	g.ordered = result
	return nil
}

// walkState implements the per-event state-group assignment described in
// spec.md §4.4's "State walk".
func (g *Graph) walkState() {
	for _, id := range g.ordered {
		g.assignStateGroup(id)
	}
}

func (g *Graph) assignStateGroup(id string) {
	start := time.Now()
	defer func() { eventStateDuration.Observe(time.Since(start).Seconds()) }()

	event := g.events[id]

	var currentSG StateGroupID
	haveCurrentSG := false
	var state *statemap.Map[string]

	switch len(event.PrevEvents) {
	case 0:
		state = statemap.New[string]()
	case 1:
		if sg, ok := g.EventToGroup[event.PrevEvents[0]]; ok {
			currentSG = sg
			haveCurrentSG = true
			state = g.GroupToState[sg]
		} else {
			logrus.WithFields(logrus.Fields{
				"event_id": id,
				"prev":     event.PrevEvents[0],
			}).Warn("roomgraph: missing predecessor state group, treating as empty")
			state = statemap.New[string]()
		}
	default:
		var sets []*statemap.Map[string]
		for _, p := range event.PrevEvents {
			sg, ok := g.EventToGroup[p]
			if !ok {
				logrus.WithFields(logrus.Fields{
					"event_id": id,
					"prev":     p,
				}).Warn("roomgraph: missing predecessor state group, dropping from resolution input")
				continue
			}
			sets = append(sets, g.GroupToState[sg])
		}
		state = stateresolution.ResolveState(sets, g.events)
	}

	if event.IsState() {
		state = state.Clone()
		state.Insert(event.Type, *event.StateKey, event.EventID)
		haveCurrentSG = false
	}

	if haveCurrentSG {
		g.EventToGroup[id] = currentSG
		return
	}

	g.nextGroup++
	sg := g.nextGroup
	g.EventToGroup[id] = sg
	g.GroupToState[sg] = state
}
