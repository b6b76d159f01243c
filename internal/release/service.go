// Package release orchestrates the delivery-release authorization flow:
// credential issuance gated on order state, redemption gated on geofence
// and one-time use, and the signed authorization handed to the escrow.
package release

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"releasegate/internal/audit"
	"releasegate/internal/authsig"
	"releasegate/internal/credential"
	"releasegate/internal/escrow"
	"releasegate/internal/geo"
)

var (
	ErrInvalidOrderID = errors.New("order id must be 0x-prefixed 32-byte hex")
)

var orderIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParseOrderID enforces the wire format for order identifiers.
func ParseOrderID(raw string) (common.Hash, error) {
	if !orderIDPattern.MatchString(raw) {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidOrderID, raw)
	}
	return common.HexToHash(raw), nil
}

// RetryPolicy bounds retries of idempotent order reads. Side-effecting
// calls are never retried here.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type Config struct {
	MaxFixAge time.Duration
	GPSPepper string
	Retry     RetryPolicy
}

// Service wires the issuer, validator, signer and escrow client behind
// the two public operations of the protocol.
type Service struct {
	issuer    *credential.Issuer
	validator *credential.Validator
	signer    *authsig.Signer
	chain     escrow.Client
	trail     audit.Recorder
	log       *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(issuer *credential.Issuer, validator *credential.Validator, signer *authsig.Signer,
	chain escrow.Client, trail audit.Recorder, log *zap.Logger, cfg Config) *Service {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if trail == nil {
		trail = audit.NewLogRecorder(log)
	}
	return &Service{
		issuer:    issuer,
		validator: validator,
		signer:    signer,
		chain:     chain,
		trail:     trail,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CredentialRequest struct {
	OrderID  string
	BuyerFix geo.Fix
	Mode     credential.Mode
	DeviceID string
}

type CredentialGrant struct {
	OTP       string
	QRPayload string
	ExpiresAt int64
}

// RequestCredential is the buyer-side entry point: verify the order is
// pending, then mint a fresh OTP/QR bound to the buyer's location.
func (s *Service) RequestCredential(ctx context.Context, req CredentialRequest) (CredentialGrant, error) {
	orderID, err := ParseOrderID(req.OrderID)
	if err != nil {
		return CredentialGrant{}, err
	}
	if err := geo.Validate(req.BuyerFix); err != nil {
		return CredentialGrant{}, err
	}
	if err := geo.CheckFreshness(req.BuyerFix, s.now(), s.cfg.MaxFixAge); err != nil {
		return CredentialGrant{}, err
	}

	order, err := s.getOrderWithRetry(ctx, orderID)
	if err != nil {
		return CredentialGrant{}, err
	}
	if order.Status != escrow.StatusCreated {
		return CredentialGrant{}, fmt.Errorf("%w: status %s", escrow.ErrOrderNotPending, order.Status)
	}

	grant, err := s.issuer.Issue(ctx, orderID.Hex(), req.BuyerFix, req.Mode, req.DeviceID)
	if err != nil {
		return CredentialGrant{}, err
	}

	out := CredentialGrant{OTP: grant.OTP, ExpiresAt: grant.ExpiresAt.Unix()}
	if grant.QRToken != "" {
		out.QRPayload = encodeQRPayload(orderID.Hex(), grant.QRToken)
	}

	s.record(ctx, audit.Event{
		Type:     audit.EventCredentialIssued,
		OrderID:  orderID.Hex(),
		At:       s.now().UTC(),
		DeviceID: req.DeviceID,
		GPSHash:  hex.EncodeToString(geo.HashFix(req.BuyerFix, s.cfg.GPSPepper)),
	})

	return out, nil
}

type ConfirmRequest struct {
	OrderID    string
	OTP        string
	QRToken    string
	CourierFix geo.Fix
	CourierID  string
	PhotoURI   string
}

type DeliveryReceipt struct {
	Status    string
	TxHash    string
	AuthNonce string
	ExpiresAt uint64
	Distance  float64
}

// ConfirmDelivery is the courier-side entry point: redeem the
// credential, sign a release authorization, and submit it on chain.
// Redemption commits before the chain call; a failed submission leaves
// the credential consumed, and the caller retries through the
// idempotency layer rather than by re-redeeming.
func (s *Service) ConfirmDelivery(ctx context.Context, req ConfirmRequest) (DeliveryReceipt, error) {
	orderID, err := ParseOrderID(req.OrderID)
	if err != nil {
		return DeliveryReceipt{}, err
	}

	receipt, err := s.validator.Redeem(ctx, orderID.Hex(),
		credential.Submission{OTP: req.OTP, QRToken: req.QRToken}, req.CourierFix)
	if err != nil {
		var gf *credential.GeofenceError
		if errors.As(err, &gf) {
			s.record(ctx, audit.Event{
				Type:      audit.EventRedemptionDenied,
				OrderID:   orderID.Hex(),
				At:        s.now().UTC(),
				CourierID: req.CourierID,
				GPSHash:   hex.EncodeToString(geo.HashFix(req.CourierFix, s.cfg.GPSPepper)),
				Outcome:   "geofence_violation",
				DistanceM: gf.DistanceMeters,
			})
		}
		return DeliveryReceipt{}, err
	}

	order, err := s.getOrderWithRetry(ctx, orderID)
	if err != nil {
		return DeliveryReceipt{}, err
	}
	if order.Status != escrow.StatusCreated {
		return DeliveryReceipt{}, fmt.Errorf("%w: status %s", escrow.ErrOrderNotPending, order.Status)
	}

	signed, err := s.signer.SignRelease(orderID, order.Merchant, order.Amount)
	if err != nil {
		return DeliveryReceipt{}, err
	}

	txHash, err := s.chain.Release(ctx, orderID, signed)
	if err != nil {
		s.log.Error("release submission failed",
			zap.String("orderId", orderID.Hex()),
			zap.Error(err))
		return DeliveryReceipt{}, err
	}

	s.record(ctx, audit.Event{
		Type:      audit.EventReleaseSubmitted,
		OrderID:   orderID.Hex(),
		At:        s.now().UTC(),
		CourierID: req.CourierID,
		GPSHash:   hex.EncodeToString(geo.HashFix(req.CourierFix, s.cfg.GPSPepper)),
		DistanceM: receipt.Distance,
		AuthNonce: signed.Auth.NonceHex(),
		TxHash:    txHash,
		PhotoURI:  req.PhotoURI,
	})

	return DeliveryReceipt{
		Status:    "RELEASE_SUBMITTED",
		TxHash:    txHash,
		AuthNonce: signed.Auth.NonceHex(),
		ExpiresAt: signed.Auth.Exp,
		Distance:  receipt.Distance,
	}, nil
}

// OrderView is the read model exposed over HTTP.
type OrderView struct {
	OrderID  string `json:"orderId"`
	Buyer    string `json:"buyer"`
	Merchant string `json:"merchant"`
	Amount   string `json:"amount"`
	Timeout  uint64 `json:"timeout"`
	Status   string `json:"status"`
}

func (s *Service) GetOrder(ctx context.Context, rawOrderID string) (OrderView, error) {
	orderID, err := ParseOrderID(rawOrderID)
	if err != nil {
		return OrderView{}, err
	}
	order, err := s.getOrderWithRetry(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return OrderView{
		OrderID:  orderID.Hex(),
		Buyer:    order.Buyer.Hex(),
		Merchant: order.Merchant.Hex(),
		Amount:   order.Amount.String(),
		Timeout:  order.Timeout,
		Status:   order.Status.String(),
	}, nil
}

// getOrderWithRetry retries only timeouts; the read is idempotent.
func (s *Service) getOrderWithRetry(ctx context.Context, orderID common.Hash) (escrow.Order, error) {
	attempts := s.cfg.Retry.MaxAttempts
	backoff := s.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		order, err := s.chain.GetOrder(ctx, orderID)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !errors.Is(err, escrow.ErrNetworkTimeout) || i == attempts {
			return escrow.Order{}, err
		}

		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return escrow.Order{}, ctx.Err()
		}
		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(s.cfg.Retry.BackoffMultiplier)
		}
	}
	return escrow.Order{}, lastErr
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if err := s.trail.Record(ctx, event); err != nil {
		s.log.Warn("audit record failed", zap.String("type", event.Type), zap.Error(err))
	}
}

func encodeQRPayload(orderID, token string) string {
	payload, _ := json.Marshal(struct {
		OrderID string `json:"orderId"`
		Token   string `json:"token"`
	}{OrderID: orderID, Token: token})
	return base64.StdEncoding.EncodeToString(payload)
}
