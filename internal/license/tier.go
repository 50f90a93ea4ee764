package license

import (
	"fmt"
	"strings"
)

// Tier is the closed set of product tiers
type Tier int

const (
	TierTrial Tier = iota
	TierStandard
	TierProMonthly
	TierProYearly
	TierEnterprise
	TierDeveloper
)

// Tiers lists every tier in declaration order
var Tiers = []Tier{TierTrial, TierStandard, TierProMonthly, TierProYearly, TierEnterprise, TierDeveloper}

// String returns the persisted identifier of the tier
func (t Tier) String() string {
	switch t {
	case TierTrial:
		return "trial"
	case TierStandard:
		return "standard"
	case TierProMonthly:
		return "pro_monthly"
	case TierProYearly:
		return "pro_yearly"
	case TierEnterprise:
		return "enterprise"
	case TierDeveloper:
		return "developer"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Label returns the human readable tier name shown in the ribbon
func (t Tier) Label() string {
	switch t {
	case TierTrial:
		return "Trial"
	case TierStandard:
		return "Standard"
	case TierProMonthly:
		return "Pro (Monthly)"
	case TierProYearly:
		return "Pro (Yearly)"
	case TierEnterprise:
		return "Enterprise"
	case TierDeveloper:
		return "Developer"
	default:
		return "Unknown"
	}
}

// IsSubscription reports whether the tier renews on a charge date
func (t Tier) IsSubscription() bool {
	return t == TierProMonthly || t == TierProYearly
}

// ParseTier parses a persisted tier identifier
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if t.String() == s {
			return t, nil
		}
	}
	return TierTrial, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t Tier) MarshalText() ([]byte, error) {
	if t < TierTrial || t > TierDeveloper {
		return nil, fmt.Errorf("unknown tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var keyPrefixes = []struct {
	prefix string
	tier   Tier
}{
	{"DEV-", TierDeveloper},
	{"STD-", TierStandard},
	{"PM-", TierProMonthly},
	{"PY-", TierProYearly},
	{"ENT-", TierEnterprise},
}

// TierFromKey derives the tier from a license key prefix
func TierFromKey(key string) (Tier, bool) {
	upper := strings.ToUpper(strings.TrimSpace(key))
	for _, p := range keyPrefixes {
		if strings.HasPrefix(upper, p.prefix) {
			return p.tier, true
		}
	}
	return TierTrial, false
}
