// Package dto holds the request/response shapes of the HTTP surface.
package dto

import "github.com/duragraph/flowengine/internal/domain/graph"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// StartRunRequest is the body of POST /run/{flowId}. A supplied visualGraph
// triggers auto-versioning before the run is created.
type StartRunRequest struct {
	VisualGraph   *graph.VisualGraph     `json:"visualGraph,omitempty"`
	InitialInputs map[string]interface{} `json:"initialInputs,omitempty"`
}

// StartRunResponse returns the identifiers a caller polls with.
type StartRunResponse struct {
	RunID     string `json:"runId"`
	VersionID string `json:"versionId"`
	StatusURL string `json:"statusUrl"`
}

// CallbackRequest is the body of POST /callback/{runId}/{nodeId}, sent by
// async workers. Extra keys are ignored; bodies larger than this schema are
// tolerated.
type CallbackRequest struct {
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// CompleteUXRequest is the body of POST /complete/{runId}/{nodeId}.
type CompleteUXRequest struct {
	Output interface{} `json:"output"`
}

// CreateFlowRequest is the body of POST /flows.
type CreateFlowRequest struct {
	Name string `json:"name"`
}

// CreateFlowResponse returns the created flow.
type CreateFlowResponse struct {
	FlowID string `json:"flowId"`
	Name   string `json:"name"`
}

// CreateVersionRequest is the body of POST /flows/{flowId}/versions.
type CreateVersionRequest struct {
	VisualGraph   graph.VisualGraph `json:"visualGraph"`
	CommitMessage string            `json:"commitMessage,omitempty"`
}

// CreateVersionResponse returns the created version id.
type CreateVersionResponse struct {
	VersionID string `json:"versionId"`
}

// VersionMetadataResponse is one row of GET /flows/{flowId}/versions;
// graphs are intentionally excluded.
type VersionMetadataResponse struct {
	ID            string `json:"id"`
	FlowID        string `json:"flowId"`
	CommitMessage string `json:"commitMessage"`
	CreatedAt     string `json:"createdAt"`
}

// WebhookAcceptedResponse is the 200 body of POST /webhooks/{slug}.
type WebhookAcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"runId,omitempty"`
	EntityID string `json:"entityId,omitempty"`
}
