package httppresentation

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application"
	"github.com/Zhima-Mochi/offramp-settlement/internal/application/offramp"
	"github.com/Zhima-Mochi/offramp-settlement/internal/application/polling"
	appwallet "github.com/Zhima-Mochi/offramp-settlement/internal/application/wallet"
	appwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/application/webhook"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	domwallet "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
	domwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

const componentHTTPHandler = "http_server"

type OrderReader interface {
	Get(ctx context.Context, orderID string) (*domorder.Order, error)
	Events(ctx context.Context, orderID string) ([]*domorder.StatusEvent, error)
}

type Poller interface {
	Poll(ctx context.Context, orderID string, opts polling.Options) (*polling.Result, error)
	Cancel(orderID string) bool
	Job(orderID string) (polling.Job, bool)
}

type WebhookIngestor interface {
	SignatureHeader(provider domorder.Provider) (string, error)
	Ingest(ctx context.Context, provider domorder.Provider, body []byte, signature string) (*appwebhook.Ack, error)
	ListFailed(ctx context.Context, limit int) ([]*domwebhook.Delivery, error)
	Retry(ctx context.Context, deliveryID string) (*appwebhook.Ack, error)
}

// ReadinessCheck is one dependency /ready pings.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	CreateOrder  application.UseCase[offramp.CreateOrderInput, *offramp.CreateOrderResult]
	CheckStatus  application.UseCase[string, *offramp.StatusCheckResult]
	AssignWallet application.UseCase[appwallet.AssignInput, *appwallet.AssignResult]
	Orders       OrderReader
	Poller       Poller
	Webhooks     WebhookIngestor
	Readiness    []ReadinessCheck
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type Handler struct {
	deps Deps
	log  observability.Logger
	tel  observability.Observability
}

func NewHandler(deps Deps, logger observability.Logger, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	if logger == nil {
		logger = tel.Logger()
	}
	return &Handler{
		deps: deps,
		log:  logger.With(observability.F("component", componentHTTPHandler)),
		tel:  tel,
	}
}

// Router wires every route behind
// Recover → Trace → request logger → HTTP metrics → access log.
func (h *Handler) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goccySerializer{}
	e.HTTPErrorHandler = h.handleError

	e.Use(middleware.Recover())
	e.Use(withTrace())
	e.Use(ObservabilityMiddleware(h.log))
	e.Use(withHTTPMetrics(h.tel))
	e.Use(withAccessLog(h.log))

	e.GET("/health", h.handleHealth)
	e.GET("/ready", h.handleReady)
	if h.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.deps.Metrics))
	}

	e.POST("/orders", h.handleCreateOrder)
	e.GET("/orders/:id", h.handleGetOrder)
	e.GET("/orders/:id/events", h.handleOrderEvents)
	e.GET("/orders/:id/status", h.handleCheckStatus)
	e.POST("/orders/:id/poll", h.handlePoll)
	e.GET("/orders/:id/poll", h.handlePollJob)
	e.DELETE("/orders/:id/poll", h.handleCancelPoll)

	e.POST("/webhooks/:provider", h.handleWebhook)
	e.POST("/wallets/assign", h.handleAssignWallet)

	admin := e.Group("/admin")
	admin.GET("/webhooks/failed", h.handleListFailedWebhooks)
	admin.POST("/webhooks/failed/:id/retry", h.handleRetryWebhook)

	return e
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(c echo.Context, status int, err error) error {
	return c.JSON(status, errorResponse{Error: err.Error()})
}

// writeDomainError is the single mapping from the error taxonomy to HTTP.
func writeDomainError(c echo.Context, err error) error {
	switch {
	// A failed retry wraps its cause (often a still-missing order); the
	// retry failure decides the status.
	case errors.Is(err, appwebhook.ErrRetryFailed):
		return writeError(c, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domorder.ErrNotFound),
		errors.Is(err, domprovider.ErrNotFound),
		errors.Is(err, domprovider.ErrUnknownProvider),
		errors.Is(err, domwallet.ErrNotFound),
		errors.Is(err, domwebhook.ErrNotFound):
		return writeError(c, http.StatusNotFound, err)
	case errors.Is(err, offramp.ErrValidation),
		errors.Is(err, domorder.ErrInvalidDestination),
		errors.Is(err, domwallet.ErrInvalidKey),
		errors.Is(err, domprovider.ErrMalformedPayload):
		return writeError(c, http.StatusBadRequest, err)
	case errors.Is(err, domprovider.ErrUnauthorized):
		return writeError(c, http.StatusUnauthorized, err)
	case errors.Is(err, domprovider.ErrValidationRejected):
		return writeError(c, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domorder.ErrConflict),
		errors.Is(err, domorder.ErrTerminalStateMismatch),
		errors.Is(err, polling.ErrPollInProgress):
		return writeError(c, http.StatusConflict, err)
	case errors.Is(err, domprovider.ErrUpstreamUnavailable),
		errors.Is(err, domwallet.ErrInvalidAddress):
		return writeError(c, http.StatusBadGateway, err)
	case errors.Is(err, polling.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusGatewayTimeout, err)
	default:
		return writeError(c, http.StatusInternalServerError, err)
	}
}

// handleError renders errors returned by handlers and by echo itself
// (unmatched routes, bind failures) in the same JSON shape.
func (h *Handler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, errorResponse{Error: msg})
		return
	}
	_ = writeDomainError(c, err)
}

func (h *Handler) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *Handler) handleReady(c echo.Context) error {
	ctx := c.Request().Context()
	res := readinessResponse{Status: "ready", Checks: make(map[string]string, len(h.deps.Readiness))}
	status := http.StatusOK
	for _, check := range h.deps.Readiness {
		if err := check.Ping(ctx); err != nil {
			res.Checks[check.Name] = err.Error()
			res.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[check.Name] = "ok"
	}
	return c.JSON(status, res)
}
