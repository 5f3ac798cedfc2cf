package httppresentation

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/offramp"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

type createOrderRequest struct {
	Provider        string               `json:"provider"`
	TotalAmount     decimal.Decimal      `json:"totalAmount"`
	RecipientAmount decimal.Decimal      `json:"recipientAmount"`
	LocalCurrency   string               `json:"localCurrency"`
	Destination     domorder.Destination `json:"destination"`
	ReturnAddress   string               `json:"returnAddress"`
}

type feeResponse struct {
	Total     decimal.Decimal `json:"total"`
	Recipient decimal.Decimal `json:"recipient"`
	Fee       decimal.Decimal `json:"fee"`
	Rate      decimal.Decimal `json:"rate"`
}

type createOrderResponse struct {
	Order orderResponse `json:"order"`
	Fees  feeResponse   `json:"fees"`
}

type orderResponse struct {
	ID                  string               `json:"id"`
	Provider            domorder.Provider    `json:"provider"`
	ProviderOrderID     string               `json:"providerOrderId"`
	Status              domorder.Status      `json:"status"`
	ProviderRawStatus   string               `json:"providerRawStatus,omitempty"`
	Settled             bool                 `json:"settled"`
	SourceAmount        decimal.Decimal      `json:"sourceAmount"`
	NetAmount           decimal.Decimal      `json:"netAmount"`
	FeeAmount           decimal.Decimal      `json:"feeAmount"`
	LocalAmount         decimal.Decimal      `json:"localAmount"`
	LocalCurrency       domorder.Currency    `json:"localCurrency"`
	Destination         domorder.Destination `json:"destination"`
	DepositAddress      string               `json:"depositAddress,omitempty"`
	ExpiresAt           *time.Time           `json:"expiresAt,omitempty"`
	PollAttemptCount    int                  `json:"pollAttemptCount"`
	LastPolledAt        *time.Time           `json:"lastPolledAt,omitempty"`
	SettlementReceiptID string               `json:"settlementReceiptId,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
}

func toOrderResponse(o *domorder.Order) orderResponse {
	return orderResponse{
		ID:                  o.ID,
		Provider:            o.Provider,
		ProviderOrderID:     o.ProviderOrderID,
		Status:              o.Status,
		ProviderRawStatus:   o.ProviderRawStatus,
		Settled:             o.IsSettled(),
		SourceAmount:        o.SourceAmount,
		NetAmount:           o.NetAmount,
		FeeAmount:           o.FeeAmount,
		LocalAmount:         o.LocalAmount,
		LocalCurrency:       o.LocalCurrency,
		Destination:         o.Destination,
		DepositAddress:      o.DepositAddress,
		ExpiresAt:           o.ExpiresAt,
		PollAttemptCount:    o.PollAttemptCount,
		LastPolledAt:        o.LastPolledAt,
		SettlementReceiptID: o.SettlementReceiptID,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
		CompletedAt:         o.CompletedAt,
	}
}

type statusEventResponse struct {
	ID              string          `json:"id"`
	Source          domorder.Source `json:"source"`
	RawStatus       string          `json:"rawStatus"`
	Canonical       domorder.Status `json:"canonical"`
	Applied         bool            `json:"applied"`
	Reason          string          `json:"reason,omitempty"`
	ExternalEventID string          `json:"externalEventId,omitempty"`
	ObservedAt      time.Time       `json:"observedAt"`
	RecordedAt      time.Time       `json:"recordedAt"`
}

func (h *Handler) handleCreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	res, err := h.deps.CreateOrder.Execute(c.Request().Context(), offramp.CreateOrderInput{
		Provider:        domorder.Provider(req.Provider),
		TotalAmount:     req.TotalAmount,
		RecipientAmount: req.RecipientAmount,
		LocalCurrency:   domorder.Currency(req.LocalCurrency),
		Destination:     req.Destination,
		ReturnAddress:   req.ReturnAddress,
	})
	if err != nil {
		return writeDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, createOrderResponse{
		Order: toOrderResponse(res.Order),
		Fees: feeResponse{
			Total:     res.Breakdown.Total,
			Recipient: res.Breakdown.Recipient,
			Fee:       res.Breakdown.Fee,
			Rate:      res.Breakdown.Rate,
		},
	})
}

func (h *Handler) handleGetOrder(c echo.Context) error {
	o, err := h.deps.Orders.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, toOrderResponse(o))
}

func (h *Handler) handleOrderEvents(c echo.Context) error {
	events, err := h.deps.Orders.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	out := make([]statusEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, statusEventResponse{
			ID:              e.ID,
			Source:          e.Source,
			RawStatus:       e.RawStatus,
			Canonical:       e.Canonical,
			Applied:         e.Applied,
			Reason:          e.Reason,
			ExternalEventID: e.ExternalEventID,
			ObservedAt:      e.ObservedAt,
			RecordedAt:      e.RecordedAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"orderId": c.Param("id"), "events": out})
}

type statusCheckResponse struct {
	OrderID   string            `json:"orderId"`
	RawStatus string            `json:"rawStatus"`
	Canonical domorder.Status   `json:"canonical"`
	Decision  domorder.Decision `json:"decision"`
	Applied   bool              `json:"applied"`
	Order     orderResponse     `json:"order"`
}

// handleCheckStatus asks the vendor once; it never starts a poll loop.
func (h *Handler) handleCheckStatus(c echo.Context) error {
	res, err := h.deps.CheckStatus.Execute(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, statusCheckResponse{
		OrderID:   res.Order.ID,
		RawStatus: res.RawStatus,
		Canonical: res.Canonical,
		Decision:  res.Decision,
		Applied:   res.Applied,
		Order:     toOrderResponse(res.Order),
	})
}
