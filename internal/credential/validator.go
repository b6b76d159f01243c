package credential

import (
	"context"
	"crypto/hmac"
	"fmt"
	"time"

	"releasegate/internal/geo"
)

// ValidatorConfig mirrors the issuance peppers plus the geofence knobs.
type ValidatorConfig struct {
	OTPPepper    string
	QRPepper     string
	RadiusMeters float64
	MaxFixAge    time.Duration
}

// Validator consumes submitted credentials. Checks run in a fixed order
// and the first failure short-circuits; only a fully validated
// submission reaches the atomic redeem step.
type Validator struct {
	store Store
	cfg   ValidatorConfig
	now   func() time.Time
}

func NewValidator(store Store, cfg ValidatorConfig) *Validator {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = 75
	}
	return &Validator{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the validator's clock. Tests only.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Receipt reports a successful redemption.
type Receipt struct {
	CredentialID string
	OrderID      string
	Distance     float64
	BuyerFix     geo.Fix
}

// Redeem validates and consumes a credential. A geofence rejection does
// not mutate state; a mismatch burns one attempt; success flips the
// credential USED exactly once even under concurrent duplicates.
func (v *Validator) Redeem(ctx context.Context, orderID string, sub Submission, courierFix geo.Fix) (Receipt, error) {
	cred, err := v.store.Latest(ctx, orderID)
	if err != nil {
		return Receipt{}, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil || cred.Status == StatusRevoked {
		return Receipt{}, ErrNotFound
	}
	if cred.Status == StatusUsed {
		return Receipt{}, ErrAlreadyRedeemed
	}
	now := v.now()
	if now.After(cred.ExpiresAt) {
		return Receipt{}, ErrExpired
	}

	if !v.matches(cred, sub) {
		if _, err := v.store.FailAttempt(ctx, cred.ID); err != nil {
			return Receipt{}, fmt.Errorf("record failed attempt: %w", err)
		}
		return Receipt{}, ErrMismatch
	}

	res, err := geo.Evaluate(courierFix, cred.BuyerFix, v.cfg.RadiusMeters)
	if err != nil {
		return Receipt{}, err
	}
	if err := geo.CheckFreshness(courierFix, now, v.cfg.MaxFixAge); err != nil {
		return Receipt{}, err
	}
	if !res.WithinRange {
		return Receipt{}, &GeofenceError{DistanceMeters: res.DistanceMeters, RadiusMeters: v.cfg.RadiusMeters}
	}

	ok, err := v.store.Redeem(ctx, cred.ID)
	if err != nil {
		return Receipt{}, fmt.Errorf("redeem credential: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent duplicate.
		return Receipt{}, ErrAlreadyRedeemed
	}

	return Receipt{
		CredentialID: cred.ID.String(),
		OrderID:      orderID,
		Distance:     res.DistanceMeters,
		BuyerFix:     cred.BuyerFix,
	}, nil
}

// matches compares in constant time against whichever hash was stored.
func (v *Validator) matches(cred *Credential, sub Submission) bool {
	if sub.OTP != "" && len(cred.OTPHash) > 0 {
		return hmac.Equal(HashOTP(cred.OrderID, sub.OTP, v.cfg.OTPPepper), cred.OTPHash)
	}
	if sub.QRToken != "" && len(cred.QRTokenHash) > 0 {
		return hmac.Equal(HashQRToken(sub.QRToken, v.cfg.QRPepper), cred.QRTokenHash)
	}
	return false
}
