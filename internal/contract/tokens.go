package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"optionsync/internal/chain"
)

// TokenRegistry resolves ERC20 decimals for unit conversion. Configured
// overrides win; everything else is read from chain once and cached.
type TokenRegistry struct {
	chain  *chain.Client
	logger *zap.Logger

	mu   sync.RWMutex
	data map[common.Address]TokenMeta
}

// TokenMeta is the ERC20 metadata needed to convert amounts.
type TokenMeta struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol,omitempty"`
	// Pinned marks decimals taken from configuration instead of the chain.
	Pinned bool `json:"pinned,omitempty"`
}

// NewTokenRegistry builds a registry. overrides maps token address to decimals.
func NewTokenRegistry(chainClient *chain.Client, overrides map[string]uint8, logger *zap.Logger) (*TokenRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &TokenRegistry{
		chain:  chainClient,
		logger: logger,
		data:   make(map[common.Address]TokenMeta, len(overrides)),
	}
	for addr, decimals := range overrides {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid token address: %s", addr)
		}
		token := common.HexToAddress(addr)
		r.data[token] = TokenMeta{Address: token, Decimals: decimals, Pinned: true}
	}
	return r, nil
}

// Decimals returns the token's decimals.
func (r *TokenRegistry) Decimals(ctx context.Context, token string) (uint8, error) {
	meta, err := r.Meta(ctx, token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// Meta returns cached metadata, fetching it on first use. Failed lookups are
// not cached.
func (r *TokenRegistry) Meta(ctx context.Context, token string) (TokenMeta, error) {
	if !common.IsHexAddress(strings.TrimSpace(token)) {
		return TokenMeta{}, fmt.Errorf("invalid token address: %s", token)
	}
	addr := common.HexToAddress(strings.TrimSpace(token))

	r.mu.RLock()
	meta, ok := r.data[addr]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := FetchTokenMeta(ctx, r.chain, addr, r.logger)
	if err != nil {
		return TokenMeta{}, fmt.Errorf("token %s metadata: %w", addr.Hex(), err)
	}

	r.mu.Lock()
	r.data[addr] = meta
	r.mu.Unlock()
	r.logger.Debug("token metadata loaded",
		zap.String("token", meta.Address.Hex()),
		zap.Uint8("decimals", meta.Decimals),
		zap.String("symbol", meta.Symbol),
	)
	return meta, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls.
func FetchTokenMeta(ctx context.Context, chainClient *chain.Client, token common.Address, logger *zap.Logger) (TokenMeta, error) {
	meta := TokenMeta{Address: token}
	if chainClient == nil {
		return meta, fmt.Errorf("chain client is nil")
	}

	stringABI, err := ERC20ABI()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := callMethod(ctx, chainClient, token, stringABI, "decimals", nil)
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	if values, err := callMethod(ctx, chainClient, token, stringABI, "symbol", nil); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
		}
	} else if values, err := callMethod(ctx, chainClient, token, bytes32ABI, "symbol", nil); err == nil {
		if symbol, ok := bytes32ToString(values[0]); ok {
			meta.Symbol = symbol
		}
	} else if logger != nil {
		logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	return meta, nil
}

func callMethod(ctx context.Context, chainClient *chain.Client, target common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &target, Data: data}
	resp, err := chainClient.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: no values", method)
	}
	return values, nil
}
