package engine

import (
	"context"
	"sort"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
)

// arriveAtCollector records one upstream completion landing at a collector.
// The append is an atomic store primitive, never a read-modify-write
// on the whole node-states map, so two concurrent upstream completions cannot
// lose updates. The collector fires exactly once: when the returned tracking
// record reports every expected branch has arrived, and only by the caller
// that wins the pending->running CAS.
func (e *Engine) arriveAtCollector(ctx context.Context, runID string, oeg *graph.OEG, upstreamID, collectorID string, payload interface{}) error {
	expected := len(oeg.InboundEdges[collectorID])

	tracking, err := e.store.AppendCollectorArrival(ctx, runID, collectorID, upstreamID, payload, expected)
	if err != nil {
		return err
	}
	if !tracking.IsComplete() {
		// No code runs for the collector until the final arrival.
		return nil
	}

	applied, _, err := e.casUpdate(ctx, runID, collectorID, run.ExpectedFromFor(run.TriggerDispatch), run.StatusRunning, nil, nil, "")
	if err != nil {
		return err
	}
	if !applied {
		// Another arrival won the race and is firing the collector.
		return nil
	}

	node := oeg.Nodes[collectorID]
	aggregate := aggregateArrivals(node, tracking)

	applied, _, err = e.casUpdate(ctx, runID, collectorID, []run.Status{run.StatusRunning}, run.StatusCompleted, nil, aggregate, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return e.walkFrom(ctx, runID, oeg, collectorID, aggregate)
}

// aggregateArrivals folds the tracking record's received list into the
// collector's output per its configured aggregation order. Default is an
// array of payloads in upstream-node-id lexicographic order.
func aggregateArrivals(node *graph.CompiledNode, tracking *run.CollectorTracking) interface{} {
	order := graph.OrderLexicographic
	if node != nil && node.Collector != nil {
		order = node.Collector.AggregationOrder
	}

	switch order {
	case graph.OrderByUpstreamMap:
		byUpstream := make(map[string]interface{}, len(tracking.Received))
		for _, a := range tracking.Received {
			byUpstream[a.UpstreamNodeID] = a.Payload
		}
		return byUpstream
	case graph.OrderArrival:
		payloads := make([]interface{}, 0, len(tracking.Received))
		for _, a := range tracking.Received {
			payloads = append(payloads, a.Payload)
		}
		return payloads
	default:
		received := append([]run.Arrival{}, tracking.Received...)
		sort.Slice(received, func(i, j int) bool {
			return received[i].UpstreamNodeID < received[j].UpstreamNodeID
		})
		payloads := make([]interface{}, 0, len(received))
		for _, a := range received {
			payloads = append(payloads, a.Payload)
		}
		return payloads
	}
}
