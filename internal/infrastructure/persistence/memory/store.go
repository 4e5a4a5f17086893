// Package memory provides an in-process Store implementation with the same
// atomicity semantics as the Postgres one: node-state updates are
// compare-and-swap against a single node's sub-record, collector arrivals
// are atomic appends. It backs engine tests and development mode; it is not
// a coordination point across processes.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/duragraph/flowengine/internal/domain/entity"
	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/domain/run"
	"github.com/duragraph/flowengine/internal/domain/version"
	"github.com/duragraph/flowengine/internal/infrastructure/webhook"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// Store holds every table in memory behind one mutex.
type Store struct {
	mu sync.Mutex

	flows          map[string]*version.Flow
	versions       map[string]*version.Version
	runs           map[string]run.Data
	entities       map[string]*entity.Entity
	webhookConfigs map[string]*webhook.Config
	webhookEvents  []*webhook.Event
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		flows:          make(map[string]*version.Flow),
		versions:       make(map[string]*version.Version),
		runs:           make(map[string]run.Data),
		entities:       make(map[string]*entity.Entity),
		webhookConfigs: make(map[string]*webhook.Config),
	}
}

// --- version.Repository ---

// CreateFlow inserts a flow.
func (s *Store) CreateFlow(_ context.Context, f *version.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[f.ID]; exists {
		return domainerrors.AlreadyExists("flow", f.ID)
	}
	copied := *f
	s.flows[f.ID] = &copied
	return nil
}

// GetFlow retrieves a flow or nil.
func (s *Store) GetFlow(_ context.Context, flowID string) (*version.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, nil
	}
	copied := *f
	return &copied, nil
}

// UpdateFlowCurrentVersion advances the flow pointer.
func (s *Store) UpdateFlowCurrentVersion(_ context.Context, flowID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return domainerrors.NotFound("flow", flowID)
	}
	f.CurrentVersionID = versionID
	return nil
}

// InsertVersion appends an immutable version record.
func (s *Store) InsertVersion(_ context.Context, v *version.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[v.ID]; exists {
		return domainerrors.AlreadyExists("version", v.ID)
	}
	copied := *v
	s.versions[v.ID] = &copied
	return nil
}

// GetVersion retrieves a full version or nil.
func (s *Store) GetVersion(_ context.Context, versionID string) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, nil
	}
	copied := *v
	return &copied, nil
}

// GetExecutionGraph satisfies engine.VersionResolver.
func (s *Store) GetExecutionGraph(_ context.Context, versionID string) (*graph.OEG, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, domainerrors.VersionNotFound(versionID)
	}
	oeg := v.ExecutionGraph
	return &oeg, nil
}

// ListVersionMetadata lists versions newest-first.
func (s *Store) ListVersionMetadata(_ context.Context, flowID string) ([]version.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metadata := make([]version.Metadata, 0)
	for _, v := range s.versions {
		if v.FlowID == flowID {
			metadata = append(metadata, version.Metadata{
				ID: v.ID, FlowID: v.FlowID, CommitMessage: v.CommitMessage, CreatedAt: v.CreatedAt,
			})
		}
	}
	sort.Slice(metadata, func(i, j int) bool {
		return metadata[i].CreatedAt.After(metadata[j].CreatedAt)
	})
	return metadata, nil
}

// --- run.Repository ---

// CreateRun persists a new run: the one permitted bulk node-states write.
func (s *Store) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID()]; exists {
		return domainerrors.AlreadyExists("run", r.ID())
	}
	s.runs[r.ID()] = run.Data{
		ID:         r.ID(),
		FlowID:     r.FlowID(),
		VersionID:  r.VersionID(),
		Status:     r.Status(),
		NodeStates: copyNodeStates(r.NodeStates()),
		CreatedAt:  r.CreatedAt(),
		UpdatedAt:  r.UpdatedAt(),
	}
	r.ClearEvents()
	return nil
}

// GetRun returns a snapshot of the run.
func (s *Store) GetRun(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return nil, domainerrors.RunNotFound(runID)
	}
	data.NodeStates = copyNodeStates(data.NodeStates)
	return run.ReconstructFromData(data), nil
}

// UpdateNodeState compares-and-swaps one node's sub-record. storedInput is
// merged map-into-map against the existing stored input (matching the
// Postgres implementation's server-side jsonb merge), so concurrent
// upstream merges are commutative rather than last-writer-wins.
func (s *Store) UpdateNodeState(_ context.Context, runID, nodeID string, expectedFrom []run.Status, newStatus run.Status, storedInput, output interface{}, errText string) (bool, *run.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return false, nil, domainerrors.RunNotFound(runID)
	}
	ns, ok := data.NodeStates[nodeID]
	if !ok {
		ns = &run.NodeState{}
		data.NodeStates[nodeID] = ns
	}

	matched := false
	for _, expected := range expectedFrom {
		if ns.Status == expected {
			matched = true
			break
		}
	}
	if !matched {
		copied := *ns
		return false, &copied, nil
	}

	ns.Status = newStatus
	if storedInput != nil {
		ns.StoredInput = mergeStored(ns.StoredInput, storedInput)
	}
	if output != nil {
		ns.Output = output
	}
	if errText != "" {
		ns.Error = errText
	}
	copied := *ns
	return true, &copied, nil
}

func mergeStored(existing, incoming interface{}) interface{} {
	existingMap, existingIsMap := existing.(map[string]interface{})
	incomingMap, incomingIsMap := incoming.(map[string]interface{})
	if !existingIsMap || !incomingIsMap {
		return incoming
	}
	merged := make(map[string]interface{}, len(existingMap)+len(incomingMap))
	for k, v := range existingMap {
		merged[k] = v
	}
	for k, v := range incomingMap {
		merged[k] = v
	}
	return merged
}

// MergeNodeInput records one contributor's resolved partial input while the
// node is still pending.
func (s *Store) MergeNodeInput(_ context.Context, runID, nodeID, contribKey string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return domainerrors.RunNotFound(runID)
	}
	ns, ok := data.NodeStates[nodeID]
	if !ok {
		ns = &run.NodeState{Status: run.StatusPending}
		data.NodeStates[nodeID] = ns
	}
	if ns.Status != run.StatusPending {
		return nil
	}
	if ns.InputContrib == nil {
		ns.InputContrib = make(map[string]interface{})
	}
	ns.InputContrib[contribKey] = payload
	return nil
}

// AppendCollectorArrival atomically appends an arrival, initializing the
// tracking sub-record on first arrival and ignoring duplicate upstreams.
func (s *Store) AppendCollectorArrival(_ context.Context, runID, nodeID, upstreamNodeID string, payload interface{}, expected int) (*run.CollectorTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return nil, domainerrors.RunNotFound(runID)
	}
	ns, ok := data.NodeStates[nodeID]
	if !ok {
		ns = &run.NodeState{Status: run.StatusPending}
		data.NodeStates[nodeID] = ns
	}
	if ns.Collector == nil {
		ns.Collector = &run.CollectorTracking{
			Expected:   expected,
			ArrivedSet: make(map[string]bool),
		}
	}
	if !ns.Collector.ArrivedSet[upstreamNodeID] {
		ns.Collector.ArrivedSet[upstreamNodeID] = true
		ns.Collector.Received = append(ns.Collector.Received, run.Arrival{
			UpstreamNodeID: upstreamNodeID, Payload: payload,
		})
	}
	return copyTracking(ns.Collector), nil
}

// SetRunTerminalStatus sets the run-level status; terminal statuses stick.
func (s *Store) SetRunTerminalStatus(_ context.Context, runID string, status run.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return domainerrors.RunNotFound(runID)
	}
	if data.Status == run.RunStatusRunning {
		data.Status = status
		s.runs[runID] = data
	}
	return nil
}

// ReopenRun flips a failed run back to running for a retry.
func (s *Store) ReopenRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return domainerrors.RunNotFound(runID)
	}
	if data.Status == run.RunStatusFailed {
		data.Status = run.RunStatusRunning
		s.runs[runID] = data
	}
	return nil
}

// --- entity.Repository ---

// Create inserts an entity.
func (s *Store) Create(_ context.Context, e *entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.entities[e.ID] = &copied
	return nil
}

// GetByID retrieves an entity or nil.
func (s *Store) GetByID(_ context.Context, id string) (*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	copied := *e
	return &copied, nil
}

// FindByEmail matches an entity by email within a flow.
func (s *Store) FindByEmail(_ context.Context, flowID, email string) (*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.FlowID == flowID && e.Email == email {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

// Update replaces the stored entity.
func (s *Store) Update(_ context.Context, e *entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; !ok {
		return domainerrors.NotFound("entity", e.ID)
	}
	copied := *e
	s.entities[e.ID] = &copied
	return nil
}

// ListByFlow pages through a flow's entities.
func (s *Store) ListByFlow(_ context.Context, flowID string, limit, offset int) ([]*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*entity.Entity, 0)
	for _, e := range s.entities {
		if e.FlowID == flowID {
			copied := *e
			all = append(all, &copied)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// --- webhook.Repository ---

// GetConfig retrieves an endpoint config by slug or nil.
func (s *Store) GetConfig(_ context.Context, slug string) (*webhook.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.webhookConfigs[slug]
	if !ok {
		return nil, nil
	}
	copied := *cfg
	return &copied, nil
}

// UpsertConfig inserts or replaces an endpoint config.
func (s *Store) UpsertConfig(_ context.Context, cfg *webhook.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cfg
	s.webhookConfigs[cfg.Slug] = &copied
	return nil
}

// AppendEvent records one webhook event-log row.
func (s *Store) AppendEvent(_ context.Context, e *webhook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.webhookEvents = append(s.webhookEvents, &copied)
	return nil
}

// Events returns a snapshot of the event log, oldest first.
func (s *Store) Events() []*webhook.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webhook.Event, len(s.webhookEvents))
	copy(out, s.webhookEvents)
	return out
}

// FindEntityForRun resolves the entity a run was created for via the event
// log.
func (s *Store) FindEntityForRun(_ context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.webhookEvents) - 1; i >= 0; i-- {
		if s.webhookEvents[i].RunID == runID && s.webhookEvents[i].EntityID != "" {
			return s.webhookEvents[i].EntityID, nil
		}
	}
	return "", nil
}

// copyNodeStates deep-copies the node-states map through JSON so callers
// cannot reach the store's internal state.
func copyNodeStates(states map[string]*run.NodeState) map[string]*run.NodeState {
	raw, err := json.Marshal(states)
	if err != nil {
		return map[string]*run.NodeState{}
	}
	copied := make(map[string]*run.NodeState, len(states))
	if err := json.Unmarshal(raw, &copied); err != nil {
		return map[string]*run.NodeState{}
	}
	return copied
}

func copyTracking(t *run.CollectorTracking) *run.CollectorTracking {
	copied := &run.CollectorTracking{
		Expected:   t.Expected,
		Received:   append([]run.Arrival{}, t.Received...),
		ArrivedSet: make(map[string]bool, len(t.ArrivedSet)),
	}
	for k, v := range t.ArrivedSet {
		copied.ArrivedSet[k] = v
	}
	return copied
}
