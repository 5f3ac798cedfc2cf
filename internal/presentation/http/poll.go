package httppresentation

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/polling"
)

// pollRequest fields are optional; zero values fall back to the engine's
// defaults. Durations are milliseconds.
type pollRequest struct {
	MaxAttempts int   `json:"maxAttempts"`
	BaseDelay   int64 `json:"baseDelay"`
	TimeoutMs   int64 `json:"timeoutMs"`
}

func (r pollRequest) options() (polling.Options, error) {
	if r.MaxAttempts < 0 || r.BaseDelay < 0 || r.TimeoutMs < 0 {
		return polling.Options{}, errors.New("maxAttempts, baseDelay and timeoutMs must not be negative")
	}
	return polling.Options{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelay) * time.Millisecond,
		Timeout:     time.Duration(r.TimeoutMs) * time.Millisecond,
	}, nil
}

type pollResponse struct {
	Success   bool            `json:"success"`
	Completed bool            `json:"completed"`
	Settled   bool            `json:"settled"`
	Outcome   polling.Outcome `json:"outcome"`
	Attempts  int             `json:"attempts"`
	Order     *orderResponse  `json:"order,omitempty"`
	Message   string          `json:"message"`
}

// handlePoll blocks until the loop ends. Every loop outcome, timeout and
// cancellation included, is a 200 with success=false unless it settled.
func (h *Handler) handlePoll(c echo.Context) error {
	var req pollRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	opts, err := req.options()
	if err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}

	res, err := h.deps.Poller.Poll(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		return writeDomainError(c, err)
	}

	out := pollResponse{
		Completed: res.Completed(),
		Outcome:   res.Outcome,
		Attempts:  res.Attempts,
		Message:   pollMessage(res),
	}
	if res.Order != nil {
		o := toOrderResponse(res.Order)
		out.Order = &o
		out.Settled = res.Order.IsSettled()
	}
	out.Success = out.Completed && out.Settled
	return c.JSON(http.StatusOK, out)
}

func pollMessage(res *polling.Result) string {
	switch res.Outcome {
	case polling.OutcomeSettled:
		return "order settled"
	case polling.OutcomeFailed:
		if res.Reason != "" {
			return "order failed: " + res.Reason
		}
		if res.Order != nil {
			return "order ended in " + string(res.Order.Status)
		}
		return "order failed"
	case polling.OutcomeCancelled:
		return "polling cancelled"
	default:
		if err := res.Err(); err != nil {
			return err.Error()
		}
		return "polling ended without a final status"
	}
}

type pollJobResponse struct {
	OrderID   string    `json:"orderId"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"startedAt"`
	NextRunAt time.Time `json:"nextRunAt"`
	Deadline  time.Time `json:"deadline"`
	Cancelled bool      `json:"cancelled"`
}

func (h *Handler) handlePollJob(c echo.Context) error {
	job, ok := h.deps.Poller.Job(c.Param("id"))
	if !ok {
		return writeError(c, http.StatusNotFound, fmt.Errorf("no poll loop running for order %q", c.Param("id")))
	}
	return c.JSON(http.StatusOK, pollJobResponse{
		OrderID:   job.OrderID,
		Attempt:   job.Attempt,
		StartedAt: job.StartedAt,
		NextRunAt: job.NextRunAt,
		Deadline:  job.Deadline,
		Cancelled: job.Cancelled,
	})
}

func (h *Handler) handleCancelPoll(c echo.Context) error {
	if !h.deps.Poller.Cancel(c.Param("id")) {
		return writeError(c, http.StatusNotFound, fmt.Errorf("no poll loop running for order %q", c.Param("id")))
	}
	return c.JSON(http.StatusAccepted, echo.Map{"orderId": c.Param("id"), "cancelled": true})
}
