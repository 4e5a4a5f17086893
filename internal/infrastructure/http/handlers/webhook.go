package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/duragraph/flowengine/internal/infrastructure/http/dto"
	"github.com/duragraph/flowengine/internal/infrastructure/webhook"
)

// maxWebhookBody bounds how much of an inbound payload is buffered; the
// limit is released deterministically on every exit path via the limited
// reader, never held past the request.
const maxWebhookBody = 1 << 20

// WebhookHandler exposes POST /webhooks/:slug.
type WebhookHandler struct {
	service *webhook.Service
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(service *webhook.Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// Receive handles one inbound webhook. The raw body is read before any
// parsing because signature schemes sign the exact bytes on the wire.
func (h *WebhookHandler) Receive(c echo.Context) error {
	slug := c.Param("slug")

	rawBody, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}

	result, err := h.service.Receive(c.Request().Context(), slug, rawBody, c.Request().Header, c.RealIP())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.WebhookAcceptedResponse{
		Accepted: true,
		RunID:    result.RunID,
		EntityID: result.EntityID,
	})
}
