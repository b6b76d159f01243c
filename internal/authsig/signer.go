// Package authsig builds and signs the ReleaseAuth payload the escrow
// contract accepts. The typed-data layout here is a bit-exact contract
// with the on-chain verifier; do not reorder fields.
package authsig

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrSigningUnavailable = errors.New("release signing key unavailable")

// ReleaseAuth mirrors the contract's ReleaseAuth struct:
// (orderId bytes32, merchant address, amount uint256, exp uint64, authNonce bytes32).
type ReleaseAuth struct {
	OrderID   common.Hash
	Merchant  common.Address
	Amount    *big.Int
	Exp       uint64
	AuthNonce common.Hash
}

// SignedReleaseAuth pairs the payload with its detached signature,
// ready for release(orderId, auth, sig).
type SignedReleaseAuth struct {
	Auth      ReleaseAuth
	Signature []byte
	Signer    common.Address
}

// Config pins the EIP-712 domain to the deployed verifier.
type Config struct {
	PrivateKeyHex     string
	ChainID           int64
	VerifyingContract string
	DomainName        string // defaults to "EscrowOrder"
	DomainVersion     string // defaults to "1"
	AuthTTL           time.Duration
}

// Signer signs release authorizations with the escrow's registered key.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	domain   apitypes.TypedDataDomain
	authTTL  time.Duration
	now      func() time.Time
	newNonce func() (common.Hash, error)
}

func New(cfg Config) (*Signer, error) {
	if cfg.VerifyingContract == "" {
		return nil, errors.New("verifying contract address is required")
	}
	if !common.IsHexAddress(cfg.VerifyingContract) {
		return nil, fmt.Errorf("invalid verifying contract address %q", cfg.VerifyingContract)
	}
	if cfg.DomainName == "" {
		cfg.DomainName = "EscrowOrder"
	}
	if cfg.DomainVersion == "" {
		cfg.DomainVersion = "1"
	}
	if cfg.AuthTTL <= 0 {
		cfg.AuthTTL = 2 * time.Minute
	}

	s := &Signer{
		domain: apitypes.TypedDataDomain{
			Name:              cfg.DomainName,
			Version:           cfg.DomainVersion,
			ChainId:           ethmath.NewHexOrDecimal256(cfg.ChainID),
			VerifyingContract: common.HexToAddress(cfg.VerifyingContract).Hex(),
		},
		authTTL:  cfg.AuthTTL,
		now:      time.Now,
		newNonce: newAuthNonce,
	}

	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		s.key = key
		s.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s, nil
}

// WithClock overrides the signer's clock. Tests only.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Address returns the signing address the contract must have registered.
func (s *Signer) Address() common.Address { return s.address }

// Available reports whether a signing key is configured.
func (s *Signer) Available() bool { return s.key != nil }

// SignRelease constructs a time-boxed ReleaseAuth for the order and
// signs its EIP-712 digest. Fails fatally without a key; there is no
// unsigned fallback.
func (s *Signer) SignRelease(orderID common.Hash, merchant common.Address, amount *big.Int) (SignedReleaseAuth, error) {
	if s.key == nil {
		return SignedReleaseAuth{}, ErrSigningUnavailable
	}
	if amount == nil || amount.Sign() < 0 {
		return SignedReleaseAuth{}, fmt.Errorf("invalid release amount")
	}

	nonce, err := s.newNonce()
	if err != nil {
		return SignedReleaseAuth{}, fmt.Errorf("generate auth nonce: %w", err)
	}

	auth := ReleaseAuth{
		OrderID:   orderID,
		Merchant:  merchant,
		Amount:    new(big.Int).Set(amount),
		Exp:       uint64(s.now().Add(s.authTTL).Unix()),
		AuthNonce: nonce,
	}

	digest, err := s.digest(auth)
	if err != nil {
		return SignedReleaseAuth{}, err
	}

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return SignedReleaseAuth{}, fmt.Errorf("sign release auth: %w", err)
	}
	// Contracts expect the legacy 27/28 recovery id.
	sig[64] += 27

	return SignedReleaseAuth{Auth: auth, Signature: sig, Signer: s.address}, nil
}

func (s *Signer) digest(auth ReleaseAuth) ([]byte, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ReleaseAuth": {
				{Name: "orderId", Type: "bytes32"},
				{Name: "merchant", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "exp", Type: "uint64"},
				{Name: "authNonce", Type: "bytes32"},
			},
		},
		PrimaryType: "ReleaseAuth",
		Domain:      s.domain,
		Message: apitypes.TypedDataMessage{
			"orderId":   auth.OrderID.Hex(),
			"merchant":  auth.Merchant.Hex(),
			"amount":    (*ethmath.HexOrDecimal256)(auth.Amount),
			"exp":       ethmath.NewHexOrDecimal256(int64(auth.Exp)),
			"authNonce": auth.AuthNonce.Hex(),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}

func newAuthNonce() (common.Hash, error) {
	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, err
	}
	return nonce, nil
}

// NonceHex is a convenience for API responses.
func (a ReleaseAuth) NonceHex() string { return hexutil.Encode(a.AuthNonce[:]) }
