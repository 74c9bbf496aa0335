package mint

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrRPCConnection     = errors.New("mint: cannot connect to RPC endpoint")
	ErrInvalidPrivateKey = errors.New("mint: invalid private key")
	ErrTxFailed          = errors.New("mint: transaction reverted")
)

// escrowABI is the on-chain escrow contract surface the backend drives.
const escrowABI = `[
	{"constant":false,"inputs":[{"name":"ticketId","type":"bytes32"},{"name":"payer","type":"address"},{"name":"amount","type":"uint256"},{"name":"digest","type":"bytes32"},{"name":"timelock","type":"uint256"}],"name":"lock","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"ticketId","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"preimage","type":"bytes"}],"name":"release","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"ticketId","type":"bytes32"}],"name":"spent","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	defaultGasLimit      = uint64(200000)
	confirmationTimeout  = 30 * time.Second
	confirmationInterval = 2 * time.Second
)

// EthClient is the subset of ethclient.Client the backend needs. Tests
// substitute a fake.
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthConfig configures the on-chain escrow backend.
type EthConfig struct {
	RPCURL         string
	PrivateKey     string // hex, 0x prefix optional
	ChainID        int64
	EscrowContract string
}

// EthOption configures the backend.
type EthOption func(*EthBackend)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(client EthClient) EthOption {
	return func(b *EthBackend) {
		b.client = client
	}
}

// EthBackend drives an escrow contract over JSON-RPC.
type EthBackend struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

var _ Backend = (*EthBackend)(nil)

// NewEthBackend connects to the escrow contract.
func NewEthBackend(cfg EthConfig, opts ...EthOption) (*EthBackend, error) {
	if err := validateEthConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	b := &EthBackend{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.EscrowContract),
		abi:        parsedABI,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		b.client = client
	}

	return b, nil
}

func validateEthConfig(cfg EthConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return fmt.Errorf("escrow contract address required")
	}
	return nil
}

// Address returns the backend signer's address.
func (b *EthBackend) Address() string {
	return strings.ToLower(b.address.Hex())
}

func ticketKey(ticketID string) [32]byte {
	return [32]byte(crypto.Keccak256([]byte(ticketID)))
}

func (b *EthBackend) CreateConditional(ctx context.Context, req CreateRequest) (string, error) {
	var digest [32]byte
	copy(digest[:], common.FromHex(req.ConditionDigest))

	data, err := b.abi.Pack("lock",
		ticketKey(req.TicketID),
		common.HexToAddress(req.Payer),
		big.NewInt(req.Amount),
		digest,
		big.NewInt(req.Timelock.Unix()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to pack lock call: %w", err)
	}

	txHash, err := b.sendTx(ctx, data)
	if err != nil {
		return "", err
	}
	return txHash, nil
}

func (b *EthBackend) SpendState(ctx context.Context, ref string) (SpendState, error) {
	data, err := b.abi.Pack("spent", ticketKey(ref))
	if err != nil {
		return SpendStateUnknown, fmt.Errorf("failed to pack spent call: %w", err)
	}

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.contract,
		Data: data,
	}, nil)
	if err != nil {
		return SpendStateUnknown, fmt.Errorf("failed to call spent: %w", err)
	}
	if len(result) == 0 {
		return SpendStateUnknown, ErrRefNotFound
	}
	if result[len(result)-1] == 0 {
		return SpendStateUnspent, nil
	}
	return SpendStateSpent, nil
}

func (b *EthBackend) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	data, err := b.abi.Pack("release",
		ticketKey(req.TicketID),
		common.HexToAddress(req.To),
		big.NewInt(req.Amount),
		common.FromHex(req.Preimage),
	)
	if err != nil {
		return "", fmt.Errorf("failed to pack release call: %w", err)
	}

	txHash, err := b.sendTx(ctx, data)
	if err != nil {
		return "", err
	}
	if err := b.waitMined(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (b *EthBackend) BalanceOf(ctx context.Context, peerAddr string) (int64, error) {
	data, err := b.abi.Pack("balanceOf", common.HexToAddress(peerAddr))
	if err != nil {
		return 0, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.contract,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int).SetBytes(result)
	if !balance.IsInt64() {
		return 0, fmt.Errorf("balance overflows int64 for %s", peerAddr)
	}
	return balance.Int64(), nil
}

func (b *EthBackend) sendTx(ctx context.Context, data []byte) (string, error) {
	nonce, err := b.client.PendingNonceAt(ctx, b.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  b.address,
		To:    &b.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, b.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), b.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign tx: %w", err)
	}

	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send tx %s: %w", signedTx.Hash().Hex(), err)
	}
	return signedTx.Hash().Hex(), nil
}

func (b *EthBackend) waitMined(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for tx %s: %w", txHash, ctx.Err())
		case <-ticker.C:
			receipt, err := b.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("%w: %s", ErrTxFailed, txHash)
			}
			return nil
		}
	}
}
