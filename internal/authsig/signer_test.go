package authsig

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var testOrderID = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := New(Config{
		PrivateKeyHex:     common.Bytes2Hex(crypto.FromECDSA(key)),
		ChainID:           42161,
		VerifyingContract: testContract,
		AuthTTL:           2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestSignReleaseRecoversSigner(t *testing.T) {
	s := newTestSigner(t)
	merchant := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	signed, err := s.SignRelease(testOrderID, merchant, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Signature) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(signed.Signature))
	}
	if v := signed.Signature[64]; v != 27 && v != 28 {
		t.Fatalf("expected legacy recovery id, got %d", v)
	}

	digest, err := s.digest(signed.Auth)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	rawSig := make([]byte, 65)
	copy(rawSig, signed.Signature)
	rawSig[64] -= 27
	pub, err := crypto.SigToPub(digest, rawSig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != s.Address() {
		t.Fatalf("recovered %s, want %s", got, s.Address())
	}
}

func TestSignReleaseExpiryInFuture(t *testing.T) {
	s := newTestSigner(t).WithClock(func() time.Time { return time.Unix(1050, 0) })

	signed, err := s.SignRelease(testOrderID, common.Address{}, big.NewInt(1))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Auth.Exp != 1050+120 {
		t.Fatalf("expected exp 1170, got %d", signed.Auth.Exp)
	}
}

func TestSignReleaseWithoutKey(t *testing.T) {
	s, err := New(Config{ChainID: 1, VerifyingContract: testContract})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Available() {
		t.Fatal("signer without key must report unavailable")
	}
	_, err = s.SignRelease(testOrderID, common.Address{}, big.NewInt(1))
	if !errors.Is(err, ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
}

func TestAuthNonceUniqueness(t *testing.T) {
	seen := make(map[common.Hash]struct{}, 10_000)
	for i := 0; i < 10_000; i++ {
		nonce, err := newAuthNonce()
		if err != nil {
			t.Fatalf("nonce %d: %v", i, err)
		}
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce collision after %d draws", i)
		}
		seen[nonce] = struct{}{}
	}
}

func TestSignedAuthNoncesUnique(t *testing.T) {
	s := newTestSigner(t)
	seen := make(map[common.Hash]struct{}, 64)
	for i := 0; i < 64; i++ {
		signed, err := s.SignRelease(testOrderID, common.Address{}, big.NewInt(1))
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		if _, dup := seen[signed.Auth.AuthNonce]; dup {
			t.Fatalf("auth nonce reused after %d signatures", i)
		}
		seen[signed.Auth.AuthNonce] = struct{}{}
	}
}

func TestDigestChangesWithDomain(t *testing.T) {
	s1 := newTestSigner(t)
	s2, err := New(Config{
		ChainID:           1,
		VerifyingContract: testContract,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	auth := ReleaseAuth{
		OrderID:   testOrderID,
		Merchant:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Amount:    big.NewInt(5),
		Exp:       1234,
		AuthNonce: common.HexToHash("0x01"),
	}
	d1, err := s1.digest(auth)
	if err != nil {
		t.Fatalf("digest1: %v", err)
	}
	d2, err := s2.digest(auth)
	if err != nil {
		t.Fatalf("digest2: %v", err)
	}
	if common.BytesToHash(d1) == common.BytesToHash(d2) {
		t.Fatal("different chain ids must produce different digests")
	}
}
