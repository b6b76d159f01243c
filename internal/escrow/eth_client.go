package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"releasegate/internal/authsig"
	"releasegate/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient talks to the deployed delivery escrow. Order reads go
// through eth_call; release submissions are sent from the operational
// EOA, which is distinct from the authorization signing key.
type EthClient struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string // operational EOA; empty means read-only
	ContractAddr  string
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddr) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.ContractAddr)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.DeliveryEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddr)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	c := &EthClient{
		client:   cli,
		contract: bound,
		abi:      parsedABI,
		address:  address,
	}

	if cfg.PrivateKeyHex != "" {
		key, err := parsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			return nil, err
		}

		chainID, err := cli.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}

		txOpts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasLimit = 0 // let node estimate
		c.chainID = chainID
		c.transacts = txOpts
	}

	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) GetOrder(ctx context.Context, orderID common.Hash) (Order, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "orders", [32]byte(orderID)); err != nil {
		return Order{}, classifyRPCError(fmt.Errorf("read order: %w", err))
	}
	if len(out) != 5 {
		return Order{}, fmt.Errorf("unexpected orders() output arity %d", len(out))
	}

	order := Order{
		Buyer:    out[0].(common.Address),
		Merchant: out[1].(common.Address),
		Amount:   out[2].(*big.Int),
		Timeout:  out[3].(uint64),
		Status:   OrderStatus(out[4].(uint8)),
	}
	if order.Status == StatusNone {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// releaseAuthTuple matches the ABI tuple component names.
type releaseAuthTuple struct {
	OrderId   [32]byte
	Merchant  common.Address
	Amount    *big.Int
	Exp       uint64
	AuthNonce [32]byte
}

func (c *EthClient) Release(ctx context.Context, orderID common.Hash, signed authsig.SignedReleaseAuth) (string, error) {
	if c.transacts == nil {
		return "", fmt.Errorf("client is read-only")
	}
	if len(signed.Signature) != 65 {
		return "", fmt.Errorf("malformed release signature (%d bytes)", len(signed.Signature))
	}

	auth := releaseAuthTuple{
		OrderId:   [32]byte(signed.Auth.OrderID),
		Merchant:  signed.Auth.Merchant,
		Amount:    signed.Auth.Amount,
		Exp:       signed.Auth.Exp,
		AuthNonce: [32]byte(signed.Auth.AuthNonce),
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "release", [32]byte(orderID), auth, signed.Signature)
	if err != nil {
		return "", classifyRPCError(fmt.Errorf("release tx: %w", err))
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func classifyRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	return err
}

// WaitForReceipt polls until the transaction is mined or the context
// is cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
