// Command roomstate loads an event graph, reconstructs room state for every
// event, and optionally checks the result against an external ground truth.
// It is the CLI surface described in spec.md §6 and SPEC_FULL.md §6.4.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/matrix-org/roomstate/eventauth"
	"github.com/matrix-org/roomstate/ingest"
	"github.com/matrix-org/roomstate/roomgraph"
	"github.com/matrix-org/roomstate/verify"
)

var (
	app = kingpin.New("roomstate", "Reconstruct Matrix room state from an event DAG.")

	inputPath   = app.Arg("input", "path to a JSONL event-stream file").Required().String()
	pgConnStr   = app.Flag("postgres-connection", "Postgres connection string to verify against").String()
	verboseFlag = app.Flag("verbose", "enable debug logging").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if *verboseFlag {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(); err != nil {
		logrus.WithError(err).Fatal("roomstate: run failed")
	}
}

func run() error {
	f, err := os.Open(*inputPath)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	logrus.WithField("input", *inputPath).Info("loading event graph")
	g, err := ingest.Load(f)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	logrus.WithField("events", len(g.EventMap)).Info("loaded")

	graph := roomgraph.NewGraph(g.EventMap, g.Parents, g.Extremities)
	if err := graph.Run(); err != nil {
		return fmt.Errorf("walking graph: %w", err)
	}
	logrus.WithField("state_groups", len(graph.GroupToState)).Info("computed state")

	if *pgConnStr == "" {
		return nil
	}

	return runVerification(graph, g)
}

func runVerification(graph *roomgraph.Graph, g *ingest.Graph) error {
	ctx := context.Background()

	sink, err := verify.NewPostgresSink(*pgConnStr)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	ordered := graph.Ordered()
	idx, found, err := verify.FindFirstDivergence(ctx, ordered, graph, sink.GetState)
	if err != nil {
		return fmt.Errorf("searching for divergence: %w", err)
	}
	if !found {
		logrus.Info("no divergence from postgres ground truth")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"event_id": ordered[idx],
		"index":    idx,
	}).Warn("first divergence")
	reportDifference(ctx, ordered, idx, graph, sink, g.EventMap)

	for extremity := range g.Extremities {
		for i, id := range ordered {
			if id == extremity {
				logrus.WithField("event_id", extremity).Warn("difference at extremity")
				reportDifference(ctx, ordered, i, graph, sink, g.EventMap)
				break
			}
		}
	}
	return nil
}

func reportDifference(ctx context.Context, ordered []string, idx int, graph *roomgraph.Graph, sink *verify.PostgresSink, eventMap map[string]*eventauth.Event) {
	diffs, err := verify.Difference(ctx, ordered, idx, graph, sink.GetState, eventMap)
	if err != nil {
		logrus.WithError(err).Warn("computing difference failed")
		return
	}
	for _, d := range diffs {
		side := "computed-only"
		if d.InActual {
			side = "actual-only"
		}
		logrus.WithFields(logrus.Fields{
			"type":      d.Type,
			"state_key": d.StateKey,
			"event_id":  d.EventID,
			"side":      side,
		}).Info("state divergence")
	}
}
