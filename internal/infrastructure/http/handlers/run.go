package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/duragraph/flowengine/internal/application/service"
	"github.com/duragraph/flowengine/internal/domain/version"
	"github.com/duragraph/flowengine/internal/infrastructure/execution"
	"github.com/duragraph/flowengine/internal/infrastructure/http/dto"
)

// RunHandler exposes the Run API: start, status, callback, UX completion,
// retry, cancel.
type RunHandler struct {
	runs       *service.RunService
	dispatcher *execution.Dispatcher
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs *service.RunService, dispatcher *execution.Dispatcher) *RunHandler {
	return &RunHandler{runs: runs, dispatcher: dispatcher}
}

// Start handles POST /run/:flow_id.
func (h *RunHandler) Start(c echo.Context) error {
	flowID := c.Param("flow_id")

	var req dto.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	runID, versionID, err := h.runs.StartRunWithGraph(c.Request().Context(), flowID, req.VisualGraph, req.InitialInputs)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.StartRunResponse{
		RunID:     runID,
		VersionID: versionID,
		StatusURL: "/status/" + runID,
	})
}

// Status handles GET /status/:run_id.
func (h *RunHandler) Status(c echo.Context) error {
	status, err := h.runs.Status(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// Callback handles POST /callback/:run_id/:node_id — the async worker
// return path. Duplicate deliveries are absorbed idempotently.
func (h *RunHandler) Callback(c echo.Context) error {
	runID := c.Param("run_id")
	nodeID := c.Param("node_id")

	var req dto.CallbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	h.dispatcher.OnCallback(runID, nodeID)

	errText := ""
	if req.Status == "failed" {
		errText = req.Error
		if errText == "" {
			errText = "worker reported failure"
		}
	}
	if err := h.runs.Resume(c.Request().Context(), runID, nodeID, req.Output, errText); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"accepted": true})
}

// CompleteUX handles POST /complete/:run_id/:node_id.
func (h *RunHandler) CompleteUX(c echo.Context) error {
	var req dto.CompleteUXRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.runs.CompleteUX(c.Request().Context(), c.Param("run_id"), c.Param("node_id"), req.Output); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"completed": true})
}

// Retry handles POST /retry/:run_id/:node_id.
func (h *RunHandler) Retry(c echo.Context) error {
	if err := h.runs.Retry(c.Request().Context(), c.Param("run_id"), c.Param("node_id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"retried": true})
}

// Cancel handles POST /cancel/:run_id.
func (h *RunHandler) Cancel(c echo.Context) error {
	if err := h.runs.Cancel(c.Request().Context(), c.Param("run_id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": true})
}

// FlowHandler exposes flow and version management.
type FlowHandler struct {
	versions *version.Manager
}

// NewFlowHandler creates a new FlowHandler.
func NewFlowHandler(versions *version.Manager) *FlowHandler {
	return &FlowHandler{versions: versions}
}

// Create handles POST /flows.
func (h *FlowHandler) Create(c echo.Context) error {
	var req dto.CreateFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	flow, err := h.versions.CreateFlow(c.Request().Context(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, dto.CreateFlowResponse{FlowID: flow.ID, Name: flow.Name})
}

// CreateVersion handles POST /flows/:flow_id/versions. Validation failures
// come back as the full structured issue list, never partially applied.
func (h *FlowHandler) CreateVersion(c echo.Context) error {
	var req dto.CreateVersionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	versionID, _, err := h.versions.CreateVersion(c.Request().Context(), c.Param("flow_id"), req.VisualGraph, req.CommitMessage)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, dto.CreateVersionResponse{VersionID: versionID})
}

// ListVersions handles GET /flows/:flow_id/versions — metadata only.
func (h *FlowHandler) ListVersions(c echo.Context) error {
	metadata, err := h.versions.ListVersions(c.Request().Context(), c.Param("flow_id"))
	if err != nil {
		return err
	}
	out := make([]dto.VersionMetadataResponse, 0, len(metadata))
	for _, m := range metadata {
		out = append(out, dto.VersionMetadataResponse{
			ID:            m.ID,
			FlowID:        m.FlowID,
			CommitMessage: m.CommitMessage,
			CreatedAt:     m.CreatedAt.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, out)
}
