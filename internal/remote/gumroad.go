package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sspdesk/internal/infrastructure"
)

// DefaultGumroadEndpoint is the Gumroad license verification endpoint
const DefaultGumroadEndpoint = "https://gumroad.com/api/v2/licenses/verify"

// maxResponseBytes bounds the body read from the verification service
const maxResponseBytes = 1 << 20

// GumroadVerifier verifies keys with Gumroad's license API
type GumroadVerifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewGumroadVerifier creates a verifier posting to endpoint
func NewGumroadVerifier(endpoint string, timeout time.Duration, logger *slog.Logger) *GumroadVerifier {
	if endpoint == "" {
		endpoint = DefaultGumroadEndpoint
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GumroadVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   infrastructure.WithComponent(logger, "gumroad_verifier"),
	}
}

type gumroadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Purchase *struct {
		ProductID    string `json:"product_id"`
		Refunded     bool   `json:"refunded"`
		Chargebacked bool   `json:"chargebacked"`
		Subscription *struct {
			NextChargeDate string `json:"next_charge_date"`
		} `json:"subscription"`
		NextChargeDate string `json:"next_charge_date"`
	} `json:"purchase"`
}

// Verify posts product_id and license_key and interprets the answer
func (g *GumroadVerifier) Verify(ctx context.Context, productID, key string) (Verification, error) {
	form := url.Values{}
	form.Set("product_id", productID)
	form.Set("license_key", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Verification{}, networkError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.WarnContext(ctx, "License verification request failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return Verification{}, networkError(err)
	}
	defer resp.Body.Close()

	g.logger.DebugContext(ctx, "License verification response",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verification{}, httpError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Verification{}, networkError(err)
	}

	var out gumroadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Verification{}, badJSON(err)
	}

	if !out.Success || out.Purchase == nil {
		return Verification{}, wrongProduct("verification unsuccessful")
	}
	if out.Purchase.ProductID != "" && out.Purchase.ProductID != productID {
		return Verification{}, wrongProduct(fmt.Sprintf("purchase is for product %s", out.Purchase.ProductID))
	}
	if out.Purchase.Refunded || out.Purchase.Chargebacked {
		return Verification{}, wrongProduct("purchase refunded")
	}

	charge := out.Purchase.NextChargeDate
	if out.Purchase.Subscription != nil && out.Purchase.Subscription.NextChargeDate != "" {
		charge = out.Purchase.Subscription.NextChargeDate
	}
	next, err := ParseChargeDate(charge)
	if err != nil {
		// the activator falls back to fixed subscription periods
		g.logger.WarnContext(ctx, "Ignoring unparseable charge date",
			slog.String("next_charge_date", charge),
			slog.String("error", err.Error()),
		)
		next = nil
	}

	return Verification{
		Success:    true,
		ProductID:  productID,
		NextCharge: next,
	}, nil
}
