package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"releasegate/internal/authsig"
)

// FakeClient serves tests and keyless dev runs: orders live in memory
// and release submissions return a deterministic hash of the payload.
type FakeClient struct {
	mu       sync.Mutex
	orders   map[common.Hash]Order
	released map[common.Hash]bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		orders:   make(map[common.Hash]Order),
		released: make(map[common.Hash]bool),
	}
}

// SetOrder seeds an order record.
func (f *FakeClient) SetOrder(orderID common.Hash, order Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID] = order
}

func (f *FakeClient) GetOrder(_ context.Context, orderID common.Hash) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status == StatusNone {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (f *FakeClient) Release(_ context.Context, orderID common.Hash, signed authsig.SignedReleaseAuth) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[orderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	if order.Status != StatusCreated {
		return "", ErrOrderNotPending
	}

	order.Status = StatusReleased
	f.orders[orderID] = order
	f.released[signed.Auth.AuthNonce] = true

	sum := sha256.Sum256(append(orderID.Bytes(), signed.Signature...))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// NonceUsed reports whether a release with this auth nonce was accepted.
func (f *FakeClient) NonceUsed(nonce common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[nonce]
}
