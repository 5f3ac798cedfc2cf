package httppresentation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	appwallet "github.com/Zhima-Mochi/offramp-settlement/internal/application/wallet"
)

type assignWalletRequest struct {
	UserID   string `json:"userId"`
	Platform string `json:"platform"`
}

type assignWalletResponse struct {
	Address  string `json:"address"`
	Existing bool   `json:"existing"`
}

func (h *Handler) handleAssignWallet(c echo.Context) error {
	var req assignWalletRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	res, err := h.deps.AssignWallet.Execute(c.Request().Context(), appwallet.AssignInput{
		UserID:   req.UserID,
		Platform: req.Platform,
	})
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, assignWalletResponse{Address: res.Address, Existing: res.Existing})
}
