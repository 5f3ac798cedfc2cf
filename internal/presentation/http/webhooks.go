package httppresentation

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	appwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/application/webhook"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

const maxWebhookBody = 1 << 20

type ackResponse struct {
	Received        bool              `json:"received"`
	OrderID         string            `json:"orderId,omitempty"`
	Decision        domorder.Decision `json:"decision,omitempty"`
	Applied         bool              `json:"applied"`
	Duplicate       bool              `json:"duplicate"`
	Status          domorder.Status   `json:"status,omitempty"`
	DeliveryID      string            `json:"deliveryId,omitempty"`
	ProcessingError string            `json:"processingError,omitempty"`
}

func toAckResponse(a *appwebhook.Ack) ackResponse {
	return ackResponse{
		Received:        true,
		OrderID:         a.OrderID,
		Decision:        a.Decision,
		Applied:         a.Applied,
		Duplicate:       a.Duplicate,
		Status:          a.Status,
		DeliveryID:      a.DeliveryID,
		ProcessingError: a.ProcessingError,
	}
}

// handleWebhook verifies the signature over the raw body, so the body is
// read as bytes and never bound.
func (h *Handler) handleWebhook(c echo.Context) error {
	provider := domorder.Provider(c.Param("provider"))
	header, err := h.deps.Webhooks.SignatureHeader(provider)
	if err != nil {
		return writeDomainError(c, err)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return writeError(c, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
	}

	ack, err := h.deps.Webhooks.Ingest(c.Request().Context(), provider, body, c.Request().Header.Get(header))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, toAckResponse(ack))
}

type deliveryResponse struct {
	ID         string            `json:"id"`
	Provider   domorder.Provider `json:"provider"`
	LastError  string            `json:"lastError"`
	Attempts   int               `json:"attempts"`
	ReceivedAt time.Time         `json:"receivedAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Payload    string            `json:"payload"`
}

func (h *Handler) handleListFailedWebhooks(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return writeError(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
		}
		limit = n
	}

	deliveries, err := h.deps.Webhooks.ListFailed(c.Request().Context(), limit)
	if err != nil {
		return writeDomainError(c, err)
	}
	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, deliveryResponse{
			ID:         d.ID,
			Provider:   d.Provider,
			LastError:  d.LastError,
			Attempts:   d.Attempts,
			ReceivedAt: d.ReceivedAt,
			UpdatedAt:  d.UpdatedAt,
			Payload:    string(d.Payload),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"deliveries": out})
}

func (h *Handler) handleRetryWebhook(c echo.Context) error {
	ack, err := h.deps.Webhooks.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, toAckResponse(ack))
}
