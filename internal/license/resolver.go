package license

import "time"

// Reason explains an entitlement decision
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonAbsent         Reason = "absent"
	ReasonExpired        Reason = "expired"
	ReasonDeviceMismatch Reason = "device_mismatch"
)

// Decision is the outcome of resolving a record
type Decision struct {
	EffectiveTier Tier   `json:"effective_tier"`
	Valid         bool   `json:"valid"`
	Reason        Reason `json:"reason"`
}

// Resolve decides validity and the effective tier of rec. It is a pure
// function of its inputs; the first matching rule wins.
func Resolve(rec *Record, now time.Time, fingerprint string, developerSession bool) Decision {
	switch {
	case rec == nil:
		return Decision{EffectiveTier: TierTrial, Valid: false, Reason: ReasonAbsent}
	case rec.Tier == TierDeveloper && developerSession:
		return Decision{EffectiveTier: TierDeveloper, Valid: true, Reason: ReasonOK}
	case rec.ExpiresAt != nil && now.After(*rec.ExpiresAt):
		return Decision{EffectiveTier: TierTrial, Valid: false, Reason: ReasonExpired}
	case rec.DeviceFingerprint != "" && rec.DeviceFingerprint != fingerprint:
		return Decision{EffectiveTier: TierTrial, Valid: false, Reason: ReasonDeviceMismatch}
	default:
		return Decision{EffectiveTier: rec.Tier, Valid: true, Reason: ReasonOK}
	}
}
