package release

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"releasegate/internal/authsig"
	"releasegate/internal/credential"
	"releasegate/internal/escrow"
	"releasegate/internal/geo"
)

const (
	testOrderID  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testMerchant = "0x00000000000000000000000000000000000000aa"
	testBuyer    = "0x00000000000000000000000000000000000000bb"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type fixture struct {
	svc   *Service
	chain *escrow.FakeClient
	store *credential.MemoryStore
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Unix(1000, 0)
	clock := &now
	tick := func() time.Time { return *clock }

	store := credential.NewMemoryStore()
	issuer := credential.NewIssuer(store, credential.IssuerConfig{
		OTPPepper:        "otp-pepper",
		QRPepper:         "qr-pepper",
		TTL:              10 * time.Minute,
		MaxAttempts:      5,
		RateLimitPerHour: 10,
	}).WithClock(tick)
	validator := credential.NewValidator(store, credential.ValidatorConfig{
		OTPPepper:    "otp-pepper",
		QRPepper:     "qr-pepper",
		RadiusMeters: 75,
	}).WithClock(tick)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := authsig.New(authsig.Config{
		PrivateKeyHex:     common.Bytes2Hex(crypto.FromECDSA(key)),
		ChainID:           42161,
		VerifyingContract: testContract,
		AuthTTL:           2 * time.Minute,
	})
	require.NoError(t, err)
	signer.WithClock(tick)

	chain := escrow.NewFakeClient()
	chain.SetOrder(common.HexToHash(testOrderID), escrow.Order{
		Buyer:    common.HexToAddress(testBuyer),
		Merchant: common.HexToAddress(testMerchant),
		Amount:   big.NewInt(25_000_000),
		Timeout:  90_000,
		Status:   escrow.StatusCreated,
	})

	svc := NewService(issuer, validator, signer, chain, nil, zap.NewNop(), Config{
		GPSPepper: "gps-pepper",
		Retry:     RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}).WithClock(tick)

	return &fixture{svc: svc, chain: chain, store: store, clock: clock}
}

func (f *fixture) advanceTo(unix int64) { *f.clock = time.Unix(unix, 0) }

var (
	buyerFix   = geo.Fix{Lat: 40.7580, Lon: -73.9855, Timestamp: 1000}
	courierFix = geo.Fix{Lat: 40.7581, Lon: -73.9856, Timestamp: 1050}
)

func TestDeliveryFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.svc.RequestCredential(ctx, CredentialRequest{
		OrderID:  testOrderID,
		BuyerFix: buyerFix,
		Mode:     credential.ModeOTP,
		DeviceID: "device-1",
	})
	require.NoError(t, err)
	assert.Len(t, grant.OTP, 6)
	assert.Empty(t, grant.QRPayload)
	assert.EqualValues(t, 1600, grant.ExpiresAt)

	f.advanceTo(1050)
	receipt, err := f.svc.ConfirmDelivery(ctx, ConfirmRequest{
		OrderID:    testOrderID,
		OTP:        grant.OTP,
		CourierFix: courierFix,
		CourierID:  "courier-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "RELEASE_SUBMITTED", receipt.Status)
	assert.NotEmpty(t, receipt.TxHash)
	assert.Len(t, receipt.AuthNonce, 66)
	assert.Greater(t, receipt.ExpiresAt, uint64(1050))

	// Same OTP again: the credential is spent.
	_, err = f.svc.ConfirmDelivery(ctx, ConfirmRequest{
		OrderID:    testOrderID,
		OTP:        grant.OTP,
		CourierFix: courierFix,
		CourierID:  "courier-9",
	})
	assert.ErrorIs(t, err, credential.ErrAlreadyRedeemed)
}

func TestConfirmGeofenceViolationKeepsOrderRedeemable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.svc.RequestCredential(ctx, CredentialRequest{
		OrderID: testOrderID, BuyerFix: buyerFix, Mode: credential.ModeOTP,
	})
	require.NoError(t, err)

	f.advanceTo(1050)
	// ~220m away.
	farFix := geo.Fix{Lat: 40.7600, Lon: -73.9855, Timestamp: 1050}
	_, err = f.svc.ConfirmDelivery(ctx, ConfirmRequest{
		OrderID: testOrderID, OTP: grant.OTP, CourierFix: farFix, CourierID: "c",
	})
	var gf *credential.GeofenceError
	require.ErrorAs(t, err, &gf)
	assert.Greater(t, gf.DistanceMeters, 75.0)

	_, err = f.svc.ConfirmDelivery(ctx, ConfirmRequest{
		OrderID: testOrderID, OTP: grant.OTP, CourierFix: courierFix, CourierID: "c",
	})
	assert.NoError(t, err)
}

func TestConfirmExpiredCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.svc.RequestCredential(ctx, CredentialRequest{
		OrderID: testOrderID, BuyerFix: buyerFix, Mode: credential.ModeOTP,
	})
	require.NoError(t, err)

	f.advanceTo(1000 + 601)
	late := geo.Fix{Lat: 40.7581, Lon: -73.9856, Timestamp: 1601}
	_, err = f.svc.ConfirmDelivery(ctx, ConfirmRequest{
		OrderID: testOrderID, OTP: grant.OTP, CourierFix: late, CourierID: "c",
	})
	assert.ErrorIs(t, err, credential.ErrExpired)
}

func TestReissueInvalidatesPriorGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RequestCredential(ctx, CredentialRequest{
		OrderID: testOrderID, BuyerFix: buyerFix, Mode: credential.ModeOTP,
	})
	require.NoError(t, err)
	_, err = f.svc.RequestCredential(ctx, CredentialRequest{
		OrderID: testOrderID, BuyerFix: buyerFix, Mode: credential.ModeOTP,
	})
	require.NoError(t, err)

	f.advanceTo(1050)
	_, err = f.svc.ConfirmDelivery(ctx, ConfirmRequest{
		OrderID: testOrderID, OTP: first.OTP, CourierFix: courierFix, CourierID: "c",
	})
	assert.ErrorIs(t, err, credential.ErrMismatch)
}

func TestRequestCredentialQRPayload(t *testing.T) {
	f := newFixture(t)

	grant, err := f.svc.RequestCredential(context.Background(), CredentialRequest{
		OrderID: testOrderID, BuyerFix: buyerFix, Mode: credential.ModeQR,
	})
	require.NoError(t, err)
	assert.Empty(t, grant.OTP)
	assert.NotEmpty(t, grant.QRPayload)
}

func TestRequestCredentialUnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestCredential(context.Background(), CredentialRequest{
		OrderID:  "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		BuyerFix: buyerFix,
		Mode:     credential.ModeOTP,
	})
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
}

func TestRequestCredentialReleasedOrder(t *testing.T) {
	f := newFixture(t)
	f.chain.SetOrder(common.HexToHash(testOrderID), escrow.Order{
		Merchant: common.HexToAddress(testMerchant),
		Amount:   big.NewInt(1),
		Status:   escrow.StatusReleased,
	})

	_, err := f.svc.RequestCredential(context.Background(), CredentialRequest{
		OrderID: testOrderID, BuyerFix: buyerFix, Mode: credential.ModeOTP,
	})
	assert.ErrorIs(t, err, escrow.ErrOrderNotPending)
}

func TestParseOrderIDFormat(t *testing.T) {
	for _, bad := range []string{
		"",
		"0x1234",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"0xzzaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	} {
		_, err := ParseOrderID(bad)
		assert.ErrorIs(t, err, ErrInvalidOrderID, "input %q", bad)
	}

	id, err := ParseOrderID(testOrderID)
	require.NoError(t, err)
	assert.Equal(t, testOrderID, id.Hex())
}

func TestGetOrderView(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.GetOrder(context.Background(), testOrderID)
	require.NoError(t, err)
	assert.Equal(t, "CREATED", view.Status)
	assert.Equal(t, "25000000", view.Amount)
	assert.Equal(t, common.HexToAddress(testMerchant).Hex(), view.Merchant)
}
