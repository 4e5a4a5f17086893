package version

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/duragraph/flowengine/internal/domain/graph"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// Repository is the persistence boundary the Manager depends on. Concrete
// implementations live in internal/infrastructure/persistence/postgres.
type Repository interface {
	CreateFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, flowID string) (*Flow, error)
	UpdateFlowCurrentVersion(ctx context.Context, flowID, versionID string) error
	InsertVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, versionID string) (*Version, error)
	ListVersionMetadata(ctx context.Context, flowID string) ([]Metadata, error)
}

// Manager implements the Version Manager operations.
type Manager struct {
	repo    Repository
	workers graph.WorkerKindRegistry
}

// NewManager constructs a Manager. workers is consulted by the compiler
// during CreateVersion's worker-kind-validity pass.
func NewManager(repo Repository, workers graph.WorkerKindRegistry) *Manager {
	return &Manager{repo: repo, workers: workers}
}

// CreateVersion compiles visualGraph; on failure returns a ValidationFailure
// carrying the full error list. On success it inserts a new version and
// atomically advances the flow's currentVersionId pointer.
func (m *Manager) CreateVersion(ctx context.Context, flowID string, vg graph.VisualGraph, commitMessage string) (string, *graph.OEG, error) {
	oeg, issues := graph.Compile(vg, m.workers)
	if len(issues) > 0 {
		return "", nil, domainerrors.ValidationFailure(issues)
	}

	v := &Version{
		ID:             uuid.NewString(),
		FlowID:         flowID,
		VisualGraph:    vg,
		ExecutionGraph: *oeg,
		CommitMessage:  commitMessage,
		CreatedAt:      time.Now(),
	}
	if err := m.repo.InsertVersion(ctx, v); err != nil {
		return "", nil, domainerrors.Internal("failed to insert version", err)
	}
	if err := m.repo.UpdateFlowCurrentVersion(ctx, flowID, v.ID); err != nil {
		return "", nil, domainerrors.Internal("failed to advance flow current version", err)
	}
	return v.ID, oeg, nil
}

// CreateFlow registers a new flow with no versions yet.
func (m *Manager) CreateFlow(ctx context.Context, name string) (*Flow, error) {
	flow := &Flow{ID: uuid.NewString(), Name: name}
	if err := m.repo.CreateFlow(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Flow returns a flow by id, or nil when it does not exist.
func (m *Manager) Flow(ctx context.Context, flowID string) (*Flow, error) {
	return m.repo.GetFlow(ctx, flowID)
}

// GetVersion returns the full version or a VersionNotFound error.
func (m *Manager) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	v, err := m.repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, domainerrors.VersionNotFound(versionID)
	}
	return v, nil
}

// ListVersions returns metadata only, in descending creation order.
func (m *Manager) ListVersions(ctx context.Context, flowID string) ([]Metadata, error) {
	return m.repo.ListVersionMetadata(ctx, flowID)
}

// AutoVersionOnRun resolves the flow's current version. If none exists, it
// creates one tagged "initial, auto-created on run". If one exists, it
// deep-compares (key-order-independent) the supplied graph against the
// current version's visual graph: identical returns the current id,
// different creates a new version tagged "auto-versioned on run".
func (m *Manager) AutoVersionOnRun(ctx context.Context, flowID string, vg graph.VisualGraph) (string, *graph.OEG, error) {
	flow, err := m.repo.GetFlow(ctx, flowID)
	if err != nil {
		return "", nil, err
	}
	if flow == nil || flow.CurrentVersionID == "" {
		return m.CreateVersion(ctx, flowID, vg, "initial, auto-created on run")
	}

	current, err := m.GetVersion(ctx, flow.CurrentVersionID)
	if err != nil {
		return "", nil, err
	}

	same, err := canonicallyEqual(current.VisualGraph, vg)
	if err != nil {
		return "", nil, domainerrors.Internal("failed to canonicalize visual graph", err)
	}
	if same {
		oeg := current.ExecutionGraph
		return current.ID, &oeg, nil
	}

	return m.CreateVersion(ctx, flowID, vg, "auto-versioned on run")
}

// canonicallyEqual deep-compares two visual graphs in a key-order-independent
// way by round-tripping each through map[string]interface{}.
func canonicallyEqual(a, b graph.VisualGraph) (bool, error) {
	aCanon, err := canonicalize(a)
	if err != nil {
		return false, err
	}
	bCanon, err := canonicalize(b)
	if err != nil {
		return false, err
	}
	return aCanon == bCanon, nil
}

func canonicalize(vg graph.VisualGraph) (string, error) {
	raw, err := json.Marshal(vg)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	// json.Marshal on a map[string]interface{} sorts keys, which is what
	// gives us key-order independence once the value has round-tripped
	// through the generic representation.
	canon, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}
