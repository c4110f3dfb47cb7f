package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ReferenceBlock is a chain checkpoint observed at the time a record was kept
// locally. It proves the record existed no earlier than the block, nothing more.
type ReferenceBlock struct {
	Number    uint64
	Hash      string
	Timestamp time.Time
}

type headerBackend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// ReaderConfig configures a credential-less Reader.
type ReaderConfig struct {
	Network Network
	RPCURL  string
	Logger  *zap.Logger
}

// Reader follows the chain head without signing credentials or a registry contract.
type Reader struct {
	network Network
	backend headerBackend
	logger  *zap.Logger
}

// DialReader connects a Reader to the configured RPC endpoint.
func DialReader(ctx context.Context, cfg ReaderConfig) (*Reader, error) {
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
	return newReader(cfg, rpcClient), nil
}

func newReader(cfg ReaderConfig, backend headerBackend) *Reader {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{network: cfg.Network, backend: backend, logger: logger}
}

// Network returns the network the reader follows.
func (r *Reader) Network() Network {
	return r.network
}

// LatestBlock returns the current chain head.
func (r *Reader) LatestBlock(ctx context.Context) (ReferenceBlock, error) {
	block, err := latestBlock(ctx, r.backend)
	if err != nil {
		r.logger.Debug("ledger reader head lookup failed", zap.String("network", r.network.Name), zap.Error(err))
	}
	return block, err
}

// Close releases the RPC connection.
func (r *Reader) Close() {
	r.backend.Close()
}

func latestBlock(ctx context.Context, backend headerBackend) (ReferenceBlock, error) {
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return ReferenceBlock{}, fmt.Errorf("read latest block: %w", err)
	}
	if header == nil || header.Number == nil {
		return ReferenceBlock{}, fmt.Errorf("read latest block: empty header")
	}
	return ReferenceBlock{
		Number:    header.Number.Uint64(),
		Hash:      header.Hash().Hex(),
		Timestamp: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}
