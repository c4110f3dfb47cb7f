// Package ledger anchors content fingerprints on an EVM network through a
// registry contract and reads committed anchors back.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultGasLimit         = 300000
	defaultPollInitialDelay = 500 * time.Millisecond
	defaultPollMaxDelay     = 8 * time.Second
	defaultConfirmations    = 1
)

var (
	errMissingRPCURL     = errors.New("ledger rpc url is required")
	errMissingPrivateKey = errors.New("ledger private key is required")
	errInvalidContract   = errors.New("ledger contract address is invalid")
)

// rpcBackend is the subset of ethclient.Client used by the client.
type rpcBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// ClientConfig configures the ledger client.
type ClientConfig struct {
	Network              Network
	RPCURL               string
	PrivateKeyHex        string
	ContractAddress      string
	GasLimit             uint64
	SubmissionsPerSecond float64
	SubmissionBurst      int
	PollInitialDelay     time.Duration
	PollMaxDelay         time.Duration
	Confirmations        uint64
	Logger               *zap.Logger
}

// Client signs and sends anchoring transactions and polls for their inclusion.
type Client struct {
	network       Network
	backend       rpcBackend
	contract      *registryContract
	key           *ecdsa.PrivateKey
	from          common.Address
	signer        types.Signer
	gasLimit      uint64
	limiter       *rate.Limiter
	pollInitial   time.Duration
	pollMax       time.Duration
	confirmations uint64
	logger        *zap.Logger

	// Serializes nonce allocation and broadcast.
	sendMu sync.Mutex
}

// Dial connects to the configured RPC endpoint. HTTP endpoints are dialed
// lazily, so an unreachable network does not fail construction.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		rpcURL = cfg.Network.RPCURL
	}
	if rpcURL == "" {
		return nil, errMissingRPCURL
	}
	rpcClient, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	client, err := newClient(cfg, rpcClient)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return client, nil
}

func newClient(cfg ClientConfig, backend rpcBackend) (*Client, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, errMissingPrivateKey
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse ledger private key: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, errInvalidContract
	}
	contract, err := newRegistryContract(common.HexToAddress(cfg.ContractAddress))
	if err != nil {
		return nil, err
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	limit := rate.Inf
	if cfg.SubmissionsPerSecond > 0 {
		limit = rate.Limit(cfg.SubmissionsPerSecond)
	}
	burst := cfg.SubmissionBurst
	if burst <= 0 {
		burst = 1
	}
	pollInitial := cfg.PollInitialDelay
	if pollInitial <= 0 {
		pollInitial = defaultPollInitialDelay
	}
	pollMax := cfg.PollMaxDelay
	if pollMax < pollInitial {
		pollMax = defaultPollMaxDelay
		if pollMax < pollInitial {
			pollMax = pollInitial
		}
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = defaultConfirmations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		network:       cfg.Network,
		backend:       backend,
		contract:      contract,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		signer:        types.LatestSignerForChainID(big.NewInt(cfg.Network.ChainID)),
		gasLimit:      gasLimit,
		limiter:       rate.NewLimiter(limit, burst),
		pollInitial:   pollInitial,
		pollMax:       pollMax,
		confirmations: confirmations,
		logger:        logger,
	}, nil
}

// Network returns the network the client anchors to.
func (c *Client) Network() Network {
	return c.network
}

// Address returns the account that signs anchoring transactions.
func (c *Client) Address() string {
	return c.from.Hex()
}

// ContractAddress returns the registry contract address.
func (c *Client) ContractAddress() string {
	return c.contract.address.Hex()
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.backend.Close()
}

// Submit signs and broadcasts one anchoring transaction and returns its hash.
// It performs no deduplication; callers deduplicate by record id.
func (c *Client) Submit(ctx context.Context, digest string, verdict string, score float64) (string, error) {
	input, err := c.contract.packRecord(digest, verdict, score)
	if err != nil {
		return "", newSubmissionError(ReasonInvalidInput, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", newSubmissionError(ReasonRateLimited, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", newSubmissionError(ReasonNonce, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", newSubmissionError(ReasonGasPrice, err)
	}

	contractAddress := c.contract.address
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contractAddress,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", newSubmissionError(ReasonSigning, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", newSubmissionError(classifySendError(err), err)
	}

	transactionRef := signed.Hash().Hex()
	c.logger.Info("anchoring transaction sent",
		zap.String("network", c.network.Name),
		zap.String("transaction_ref", transactionRef),
		zap.Uint64("nonce", nonce))
	return transactionRef, nil
}

func classifySendError(err error) SubmissionReason {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "insufficient funds"):
		return ReasonInsufficientFunds
	case strings.Contains(message, "nonce too low"), strings.Contains(message, "replacement transaction underpriced"):
		return ReasonNonce
	default:
		return ReasonNetwork
	}
}

// WaitForConfirmation polls for the transaction receipt with exponential
// backoff until it is included or the timeout elapses.
func (c *Client) WaitForConfirmation(ctx context.Context, transactionRef string, timeout time.Duration) (uint64, error) {
	hash, err := parseTransactionRef(transactionRef)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	poll := &backoff.Backoff{Min: c.pollInitial, Max: c.pollMax, Factor: 2}
	for {
		blockRef, done, err := c.checkReceipt(ctx, hash)
		if done {
			return blockRef, err
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: %s not included within %s", ErrConfirmationTimeout, transactionRef, timeout)
		}
		delay := poll.Duration()
		if delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
}

// checkReceipt reports done once the transaction is conclusively included or rejected.
func (c *Client) checkReceipt(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		c.logger.Debug("receipt poll failed", zap.String("transaction_ref", hash.Hex()), zap.Error(err))
		return 0, false, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, true, fmt.Errorf("%w: %s reverted", ErrConfirmationFailed, hash.Hex())
	}
	if receipt.BlockNumber == nil {
		return 0, false, nil
	}
	blockRef := receipt.BlockNumber.Uint64()
	if c.confirmations > 1 {
		head, err := c.backend.BlockNumber(ctx)
		if err != nil || head+1 < blockRef+c.confirmations {
			return 0, false, nil
		}
	}
	return blockRef, true, nil
}

// ReadRecord returns the anchor committed by a mined transaction.
func (c *Client) ReadRecord(ctx context.Context, transactionRef string) (OnChainRecord, error) {
	hash, err := parseTransactionRef(transactionRef)
	if err != nil {
		return OnChainRecord{}, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return OnChainRecord{}, fmt.Errorf("%w: %s", ErrNotFound, transactionRef)
	}
	if err != nil {
		return OnChainRecord{}, fmt.Errorf("read receipt %s: %w", transactionRef, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return OnChainRecord{}, fmt.Errorf("%w: %s reverted", ErrConfirmationFailed, transactionRef)
	}
	record, found, err := c.contract.decodeReceipt(receipt)
	if err != nil {
		return OnChainRecord{}, fmt.Errorf("decode anchoring event %s: %w", transactionRef, err)
	}
	if !found {
		return OnChainRecord{}, fmt.Errorf("%w: %s emitted no anchoring event", ErrConfirmationFailed, transactionRef)
	}
	return record, nil
}

// HealthCheck reports whether the RPC endpoint answers within the context
// deadline. It never returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.backend.BlockNumber(ctx)
	if err != nil {
		c.logger.Debug("ledger health check failed", zap.String("network", c.network.Name), zap.Error(err))
		return false
	}
	return true
}

// LatestBlock returns the current chain head as a reference checkpoint.
func (c *Client) LatestBlock(ctx context.Context) (ReferenceBlock, error) {
	return latestBlock(ctx, c.backend)
}

func parseTransactionRef(transactionRef string) (common.Hash, error) {
	trimmed := strings.TrimSpace(transactionRef)
	if len(trimmed) != 66 || !strings.HasPrefix(trimmed, "0x") {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidReference, transactionRef)
	}
	if _, err := hexutil.Decode(trimmed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return common.HexToHash(trimmed), nil
}
