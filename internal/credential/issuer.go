package credential

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"releasegate/internal/geo"
)

const (
	otpLength    = 6
	qrTokenBytes = 32
)

// IssuerConfig carries the knobs for issuance. Peppers must match the
// ones used at redemption or nothing will ever validate.
type IssuerConfig struct {
	OTPPepper        string
	QRPepper         string
	TTL              time.Duration
	MaxAttempts      int
	RateLimitPerHour int
}

// Issuer mints OTP/QR credentials and persists their hashed form.
type Issuer struct {
	store Store
	cfg   IssuerConfig
	now   func() time.Time
}

func NewIssuer(store Store, cfg IssuerConfig) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Issuer{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the issuer's clock. Tests only.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates a fresh credential for the order, revoking any prior
// active one in the same store operation. The returned Grant holds the
// only plaintext copy of the artifacts.
func (i *Issuer) Issue(ctx context.Context, orderID string, buyerFix geo.Fix, mode Mode, deviceID string) (Grant, error) {
	now := i.now()

	if i.cfg.RateLimitPerHour > 0 {
		issued, err := i.store.CountIssuedSince(ctx, orderID, now.Add(-time.Hour))
		if err != nil {
			return Grant{}, fmt.Errorf("count issued: %w", err)
		}
		if issued >= i.cfg.RateLimitPerHour {
			return Grant{}, ErrRateLimited
		}
	}

	cred := Credential{
		ID:            uuid.New(),
		OrderID:       orderID,
		Mode:          mode,
		BuyerFix:      buyerFix,
		BuyerDeviceID: deviceID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.cfg.TTL),
		Status:        StatusActive,
		MaxAttempts:   i.cfg.MaxAttempts,
	}

	grant := Grant{ExpiresAt: cred.ExpiresAt}

	if mode.includesOTP() {
		otp, err := generateOTP()
		if err != nil {
			return Grant{}, fmt.Errorf("generate otp: %w", err)
		}
		grant.OTP = otp
		cred.OTPHash = HashOTP(orderID, otp, i.cfg.OTPPepper)
	}

	if mode.includesQR() {
		token, err := generateQRToken()
		if err != nil {
			return Grant{}, fmt.Errorf("generate qr token: %w", err)
		}
		grant.QRToken = token
		cred.QRTokenHash = HashQRToken(token, i.cfg.QRPepper)
	}

	if err := i.store.Replace(ctx, cred); err != nil {
		return Grant{}, fmt.Errorf("persist credential: %w", err)
	}
	return grant, nil
}

var otpModulus = big.NewInt(1_000_000)

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpModulus)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n), nil
}

func generateQRToken() (string, error) {
	buf := make([]byte, qrTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashOTP binds the code to its order id so a code leaked for one order
// is useless for another.
func HashOTP(orderID, otp, pepper string) []byte {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write(common.FromHex(orderID))
	mac.Write([]byte(otp))
	return mac.Sum(nil)
}

func HashQRToken(token, pepper string) []byte {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return mac.Sum(nil)
}
