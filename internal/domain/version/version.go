// Package version implements the versioning subsystem: append-only,
// immutable graph versions and the flow pointer that tracks which version is
// current.
package version

import (
	"time"

	"github.com/duragraph/flowengine/internal/domain/graph"
)

// Version is an immutable snapshot: once inserted, its VisualGraph and
// ExecutionGraph never change. There is no rollback operation, and nothing
// mutates an existing record.
type Version struct {
	ID             string
	FlowID         string
	VisualGraph    graph.VisualGraph
	ExecutionGraph graph.OEG
	CommitMessage  string
	CreatedAt      time.Time
}

// Metadata is the listVersions projection: everything but the graphs
// themselves, which are intentionally excluded to avoid bandwidth pressure.
type Metadata struct {
	ID            string
	FlowID        string
	CommitMessage string
	CreatedAt     time.Time
}

// Flow carries a pointer to its current version. The pointer may be
// advanced; the version records it points at never mutate.
type Flow struct {
	ID               string
	Name             string
	CurrentVersionID string

	events []Event
}

// Event is a domain event recorded by a Flow
// (recordEvent/Events/ClearEvents convention).
type Event interface {
	EventType() string
	AggregateID() string
	AggregateType() string
}

func (f *Flow) recordEvent(e Event) {
	f.events = append(f.events, e)
}

// Events returns events recorded since the last ClearEvents call.
func (f *Flow) Events() []Event { return f.events }

// ClearEvents drops recorded events after they have been published.
func (f *Flow) ClearEvents() { f.events = nil }

// CurrentVersionAdvanced is recorded whenever a Flow's pointer changes.
type CurrentVersionAdvanced struct {
	FlowID          string
	PreviousVersion string
	NewVersionID    string
	OccurredAt      time.Time
}

func (e CurrentVersionAdvanced) EventType() string     { return "flow.current_version_advanced" }
func (e CurrentVersionAdvanced) AggregateID() string   { return e.FlowID }
func (e CurrentVersionAdvanced) AggregateType() string { return "flow" }

// advanceCurrentVersion moves the flow's pointer and records the event. It
// never mutates a Version record — only the pointer on the Flow.
func (f *Flow) advanceCurrentVersion(newVersionID string) {
	prev := f.CurrentVersionID
	f.CurrentVersionID = newVersionID
	f.recordEvent(CurrentVersionAdvanced{
		FlowID:          f.ID,
		PreviousVersion: prev,
		NewVersionID:    newVersionID,
		OccurredAt:      time.Now(),
	})
}
