package run

// Arrival is one recorded collector arrival: the upstream node that produced
// it and the payload it carried.
type Arrival struct {
	UpstreamNodeID string      `json:"upstreamNodeId"`
	Payload        interface{} `json:"payload"`
}

// CollectorTracking is the collector tracking sub-record held inside a
// Collector node's NodeState. Expected is frozen at first arrival;
// ArrivedSet guards against double-counting the same upstream.
type CollectorTracking struct {
	Expected   int             `json:"expected"`
	Received   []Arrival       `json:"received"`
	ArrivedSet map[string]bool `json:"arrivedSet"`
}

// HasArrived reports whether upstreamNodeID has already been recorded.
func (c *CollectorTracking) HasArrived(upstreamNodeID string) bool {
	if c == nil || c.ArrivedSet == nil {
		return false
	}
	return c.ArrivedSet[upstreamNodeID]
}

// IsComplete reports whether every expected branch has arrived.
func (c *CollectorTracking) IsComplete() bool {
	if c == nil {
		return false
	}
	return len(c.ArrivedSet) >= c.Expected
}

// NodeState is the per-node record within a run's node-states map: status
// plus whatever input/output/error/collector-tracking applies.
//
// InputContrib holds each inbound edge's resolved partial input, keyed by
// "upstreamNodeId/edgeId". Keeping contributions separate makes concurrent
// upstream writes lossless, and lets the engine flatten them into the
// effective input in contributor-key order at fire time, so overlapping
// keys resolve deterministically no matter which upstream completed first.
type NodeState struct {
	Status       Status                 `json:"status"`
	StoredInput  interface{}            `json:"storedInput,omitempty"`
	InputContrib map[string]interface{} `json:"inputContrib,omitempty"`
	Output       interface{}            `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Collector    *CollectorTracking     `json:"collector,omitempty"`
}
