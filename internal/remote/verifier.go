// Package remote checks license keys against a purchase-verification
// service. Verifiers return a successful Verification only when the key is
// valid for the requested product; every failure carries a reason code.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	licenseErrors "sspdesk/internal/errors"
)

// Reason codes reported by verifiers
const (
	ReasonNetworkError = "network_error"
	ReasonBadJSON      = "bad_json"
	ReasonWrongProduct = "invalid_or_wrong_product"
	reasonHTTPPrefix   = "http_"
)

// Verification is the accepted answer of a verification service
type Verification struct {
	Success    bool
	ProductID  string
	NextCharge *time.Time
}

// Verifier checks a license key for a product
type Verifier interface {
	Verify(ctx context.Context, productID, key string) (Verification, error)
}

func networkError(err error) error {
	return licenseErrors.WithReason(fmt.Errorf("%w: %v", licenseErrors.ErrNetworkError, err), ReasonNetworkError)
}

func httpError(status int) error {
	return licenseErrors.WithReason(
		fmt.Errorf("%w: status %d", licenseErrors.ErrRemoteRejected, status),
		fmt.Sprintf("%s%d", reasonHTTPPrefix, status),
	)
}

func badJSON(err error) error {
	return licenseErrors.WithReason(fmt.Errorf("%w: %v", licenseErrors.ErrRemoteRejected, err), ReasonBadJSON)
}

func wrongProduct(detail string) error {
	return licenseErrors.WithReason(fmt.Errorf("%w: %s", licenseErrors.ErrWrongProduct, detail), ReasonWrongProduct)
}

// chargeLayouts are the next-charge formats seen from verification services
var chargeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseChargeDate parses a next-charge date, returning nil for empty input
func ParseChargeDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range chargeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised charge date %q", s)
}
