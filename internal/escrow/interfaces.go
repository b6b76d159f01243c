package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"releasegate/internal/authsig"
)

var (
	ErrOrderNotFound   = errors.New("order not found on chain")
	ErrOrderNotPending = errors.New("order is not pending release")
	ErrNetworkTimeout  = errors.New("escrow rpc timed out")
)

// OrderStatus mirrors the contract's order lifecycle enum. The zero
// value marks a slot that was never created.
type OrderStatus uint8

const (
	StatusNone OrderStatus = iota
	StatusCreated
	StatusReleased
	StatusRefunded
)

func (s OrderStatus) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusReleased:
		return "RELEASED"
	case StatusRefunded:
		return "REFUNDED"
	default:
		return "NONE"
	}
}

// Order is the on-chain order record. The service only reads it; the
// contract owns the lifecycle.
type Order struct {
	Buyer    common.Address
	Merchant common.Address
	Amount   *big.Int
	Timeout  uint64
	Status   OrderStatus
}

// Client abstracts the on-chain escrow interaction.
type Client interface {
	// GetOrder reads the order record; ErrOrderNotFound when the slot
	// is empty.
	GetOrder(ctx context.Context, orderID common.Hash) (Order, error)
	// Release submits release(orderId, auth, sig) and returns the tx hash.
	Release(ctx context.Context, orderID common.Hash, signed authsig.SignedReleaseAuth) (string, error)
}

// HealthChecker is implemented by clients that can probe their RPC.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
