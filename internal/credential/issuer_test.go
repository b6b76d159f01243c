package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"releasegate/internal/geo"
)

const testOrderID = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testIssuer(store Store) *Issuer {
	return NewIssuer(store, IssuerConfig{
		OTPPepper:        "otp-pepper",
		QRPepper:         "qr-pepper",
		TTL:              10 * time.Minute,
		MaxAttempts:      5,
		RateLimitPerHour: 10,
	})
}

func TestIssueOTP(t *testing.T) {
	store := NewMemoryStore()
	issuer := testIssuer(store).WithClock(func() time.Time { return time.Unix(1000, 0) })

	grant, err := issuer.Issue(context.Background(), testOrderID, geo.Fix{Lat: 40.7580, Lon: -73.9855, Timestamp: 1000}, ModeOTP, "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(grant.OTP) != 6 {
		t.Fatalf("expected 6-digit otp, got %q", grant.OTP)
	}
	for _, r := range grant.OTP {
		if r < '0' || r > '9' {
			t.Fatalf("otp contains non-digit: %q", grant.OTP)
		}
	}
	if grant.QRToken != "" {
		t.Fatalf("otp mode must not return a qr token")
	}
	if got := grant.ExpiresAt.Unix(); got != 1600 {
		t.Fatalf("expected expiry at 1600, got %d", got)
	}

	cred, _ := store.Latest(context.Background(), testOrderID)
	if cred == nil || cred.Status != StatusActive {
		t.Fatalf("expected active stored credential, got %+v", cred)
	}
	if len(cred.OTPHash) == 0 || len(cred.QRTokenHash) != 0 {
		t.Fatalf("otp mode should store only an otp hash")
	}
}

func TestIssueQRAndBoth(t *testing.T) {
	store := NewMemoryStore()
	issuer := testIssuer(store)
	ctx := context.Background()

	grant, err := issuer.Issue(ctx, testOrderID, geo.Fix{Lat: 1, Lon: 1}, ModeQR, "")
	if err != nil {
		t.Fatalf("issue qr: %v", err)
	}
	if grant.OTP != "" {
		t.Fatal("qr mode must not return an otp")
	}
	raw, err := base64.RawURLEncoding.DecodeString(grant.QRToken)
	if err != nil {
		t.Fatalf("qr token not base64url: %v", err)
	}
	if len(raw) < 16 {
		t.Fatalf("qr token entropy too small: %d bytes", len(raw))
	}

	both, err := issuer.Issue(ctx, testOrderID, geo.Fix{Lat: 1, Lon: 1}, ModeBoth, "")
	if err != nil {
		t.Fatalf("issue both: %v", err)
	}
	if both.OTP == "" || both.QRToken == "" {
		t.Fatal("both mode must return both artifacts")
	}
}

func TestReissueRevokesPrior(t *testing.T) {
	store := NewMemoryStore()
	issuer := testIssuer(store)
	ctx := context.Background()

	first, err := issuer.Issue(ctx, testOrderID, geo.Fix{Lat: 1, Lon: 1}, ModeOTP, "")
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if _, err := issuer.Issue(ctx, testOrderID, geo.Fix{Lat: 1, Lon: 1}, ModeOTP, ""); err != nil {
		t.Fatalf("reissue: %v", err)
	}

	validator := NewValidator(store, ValidatorConfig{OTPPepper: "otp-pepper", QRPepper: "qr-pepper", RadiusMeters: 75})
	_, err = validator.Redeem(ctx, testOrderID, Submission{OTP: first.OTP}, geo.Fix{Lat: 1, Lon: 1})
	if !errors.Is(err, ErrMismatch) && !errors.Is(err, ErrNotFound) {
		t.Fatalf("old otp must be unredeemable after reissue, got %v", err)
	}
}

func TestIssueRateLimited(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewIssuer(store, IssuerConfig{
		OTPPepper:        "p",
		TTL:              time.Minute,
		RateLimitPerHour: 2,
	})
	ctx := context.Background()

	for range 2 {
		if _, err := issuer.Issue(ctx, testOrderID, geo.Fix{Lat: 1, Lon: 1}, ModeOTP, ""); err != nil {
			t.Fatalf("issue under limit: %v", err)
		}
	}
	if _, err := issuer.Issue(ctx, testOrderID, geo.Fix{Lat: 1, Lon: 1}, ModeOTP, ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeOTP {
		t.Fatalf("empty mode should default to otp, got %v %v", m, err)
	}
	if _, err := ParseMode("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
