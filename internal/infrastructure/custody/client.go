// Package custody calls the wallet custody provider that mints deposit
// addresses. Each call creates a new upstream resource, so callers must
// guard it with the provisioner's conditional assignment.
package custody

import (
	"context"
	"fmt"
	"net/http"
	"time"

	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	domwallet "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/provider/vendorhttp"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

type Client struct {
	http *vendorhttp.Client
}

func New(cfg Config, tel observability.Observability) *Client {
	return &Client{
		http: vendorhttp.New(vendorhttp.Config{
			Peer:    "custody",
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"Authorization": "Bearer " + cfg.APIKey},
			Timeout: cfg.Timeout,
			HTTP:    cfg.HTTP,
		}, tel),
	}
}

type createWalletRequest struct {
	Name       string `json:"name"`
	Blockchain string `json:"blockchain"`
	ExternalID string `json:"externalId"`
}

type createWalletResponse struct {
	Data struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	} `json:"data"`
}

// CreateAddress provisions a fresh deposit wallet for (userID, platform).
func (c *Client) CreateAddress(ctx context.Context, userID, platform string) (domwallet.Provisioned, error) {
	var resp createWalletResponse
	err := c.http.Do(ctx, http.MethodPost, "create_wallet", "/v1/wallets", createWalletRequest{
		Name:       "deposit-" + userID,
		Blockchain: platform,
		ExternalID: userID + ":" + platform,
	}, &resp)
	if err != nil {
		return domwallet.Provisioned{}, fmt.Errorf("custody: create wallet: %w", err)
	}
	if resp.Data.Address == "" {
		return domwallet.Provisioned{}, fmt.Errorf("custody: create wallet: %w: empty address", domprovider.ErrUpstreamUnavailable)
	}
	return domwallet.Provisioned{Address: resp.Data.Address, ResourceID: resp.Data.ID}, nil
}
