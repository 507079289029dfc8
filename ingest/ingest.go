// Package ingest parses the JSONL event-stream input format (spec.md §6)
// into the map/adjacency shapes the roomgraph package walks.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/matrix-org/roomstate/eventauth"
)

// ParseError is returned by Load when a line fails to parse, naming the
// 1-based line number and the underlying cause.
type ParseError struct {
	Line  int
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ingest: line %d: %v", e.Line, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Graph is the parsed form of an event stream, ready for roomgraph.NewGraph.
type Graph struct {
	EventMap    map[string]*eventauth.Event
	Parents     map[string]map[string]struct{}
	Extremities map[string]struct{}
}

// Load reads one JSON object per line from r, building a Graph. A malformed
// line — invalid JSON, or an event/room/sender id missing its `:` domain
// separator — aborts the run with a *ParseError naming the line number.
func Load(r io.Reader) (*Graph, error) {
	g := &Graph{
		EventMap:    make(map[string]*eventauth.Event),
		Parents:     make(map[string]map[string]struct{}),
		Extremities: make(map[string]struct{}),
	}

	scanner := bufio.NewScanner(r)
	// Event content can carry arbitrarily large state; the default 64KiB
	// token limit is too small for real-world federation payloads.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event eventauth.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, &ParseError{Line: lineNo, Cause: err}
		}
		if err := validateIDs(&event); err != nil {
			return nil, &ParseError{Line: lineNo, Cause: err}
		}

		g.EventMap[event.EventID] = &event
		g.Extremities[event.EventID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: lineNo + 1, Cause: err}
	}

	for id, event := range g.EventMap {
		for _, p := range event.PrevEvents {
			delete(g.Extremities, p)
			if g.Parents[p] == nil {
				g.Parents[p] = make(map[string]struct{})
			}
			g.Parents[p][id] = struct{}{}
		}
	}

	return g, nil
}

func validateIDs(event *eventauth.Event) error {
	for _, id := range []string{event.EventID, event.RoomID, event.Sender} {
		if !strings.Contains(id, ":") {
			return fmt.Errorf("invalid ID %q: missing domain separator", id)
		}
	}
	return nil
}
