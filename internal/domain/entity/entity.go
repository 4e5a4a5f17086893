// Package entity models the business subject traveling a flow's graph. An
// entity's journey is orthogonal to the execution status FSM: it records
// where the subject currently sits (a node, or an edge in transit), updated
// by the entity-movement hooks evaluated as Worker nodes complete.
package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/duragraph/flowengine/internal/domain/graph"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// Entity is a subject (e.g. a lead) attached to a flow. CurrentNodeID and
// CurrentEdgeID are never both non-nil: the subject is either at a node or
// in transit along an edge toward DestinationNodeID.
type Entity struct {
	ID                string
	FlowID            string
	Email             string
	Attributes        map[string]interface{}
	Type              graph.EntityType
	CurrentNodeID     *string
	CurrentEdgeID     *string
	EdgeProgress      *float64
	DestinationNodeID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// New creates an entity attached to a flow.
func New(flowID, email string, attributes map[string]interface{}) *Entity {
	now := time.Now()
	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	return &Entity{
		ID:         uuid.NewString(),
		FlowID:     flowID,
		Email:      email,
		Attributes: attributes,
		Type:       graph.EntityLead,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MoveToNode places the entity at a node, clearing any in-transit edge state.
func (e *Entity) MoveToNode(nodeID string) {
	e.CurrentNodeID = &nodeID
	e.CurrentEdgeID = nil
	e.EdgeProgress = nil
	e.DestinationNodeID = nil
	e.UpdatedAt = time.Now()
}

// MoveToEdge places the entity in transit along an edge toward a destination
// node, clearing any current-node state.
func (e *Entity) MoveToEdge(edgeID string, progress float64, destinationNodeID string) error {
	if progress < 0 || progress > 1 {
		return domainerrors.InvalidInput("edgeProgress", "must be within [0, 1]")
	}
	e.CurrentNodeID = nil
	e.CurrentEdgeID = &edgeID
	e.EdgeProgress = &progress
	e.DestinationNodeID = &destinationNodeID
	e.UpdatedAt = time.Now()
	return nil
}

// ApplyMovement evaluates one entity-movement hook: hop to the target
// section and, when requested, reclassify the entity.
func (e *Entity) ApplyMovement(m *graph.EntityMovement) {
	if m == nil {
		return
	}
	if m.TargetSectionID != "" {
		e.MoveToNode(m.TargetSectionID)
	}
	if m.SetEntityType != nil {
		e.Type = *m.SetEntityType
	}
}

// MergeAttributes overlays incoming attributes onto the entity, keeping
// existing keys the incoming record does not name.
func (e *Entity) MergeAttributes(attributes map[string]interface{}) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{}, len(attributes))
	}
	for k, v := range attributes {
		e.Attributes[k] = v
	}
	e.UpdatedAt = time.Now()
}
