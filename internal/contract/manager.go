package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"optionsync/internal/chain"
	"optionsync/internal/model"
)

// ErrReadOnly indicates a write was attempted without a signing key.
var ErrReadOnly = errors.New("no signing key configured")

// ManagerConfig configures the OptionManager binding.
type ManagerConfig struct {
	Address    string
	QuoteToken string
	// PrivateKey is a hex secp256k1 key. Empty keeps the manager read-only.
	PrivateKey string
}

// OnChainOption is the options(uint256) view.
type OnChainOption struct {
	OptionType       model.OptionType
	Seller           common.Address
	Buyer            common.Address
	StrikePrice      *big.Int
	Premium          *big.Int
	Asset            common.Address
	AssetAmount      *big.Int
	Expiry           *big.Int
	AssetTransferred bool
}

// Exists reports whether the slot holds an option. Deleted options read back
// zeroed.
func (o OnChainOption) Exists() bool {
	return o.Seller != (common.Address{})
}

// Manager submits OptionManager and ERC20 transactions and reads contract
// views.
type Manager struct {
	address    common.Address
	quote      common.Address
	chain      *chain.Client
	managerABI abi.ABI
	erc20ABI   abi.ABI
	bound      *bind.BoundContract
	opts       *bind.TransactOpts
	logger     *zap.Logger

	sendMu sync.Mutex
}

// NewManager binds the OptionManager at cfg.Address.
func NewManager(ctx context.Context, chainClient *chain.Client, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if chainClient == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("invalid contract address: %s", cfg.Address)
	}
	if !common.IsHexAddress(cfg.QuoteToken) {
		return nil, fmt.Errorf("invalid quote token address: %s", cfg.QuoteToken)
	}

	managerABI, err := OptionManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse option manager abi: %w", err)
	}
	erc20ABI, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	m := &Manager{
		address:    common.HexToAddress(cfg.Address),
		quote:      common.HexToAddress(cfg.QuoteToken),
		chain:      chainClient,
		managerABI: managerABI,
		erc20ABI:   erc20ABI,
		logger:     logger,
	}
	eth := chainClient.Eth()
	m.bound = bind.NewBoundContract(m.address, managerABI, eth, eth, eth)

	if key := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); key != "" {
		privateKey, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		chainID, err := chainClient.GetChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("get chain id: %w", err)
		}
		opts, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		m.opts = opts
	}
	return m, nil
}

// Address returns the OptionManager address.
func (m *Manager) Address() common.Address { return m.address }

// QuoteToken returns the token strike and premium are paid in.
func (m *Manager) QuoteToken() common.Address { return m.quote }

// From returns the signing account.
func (m *Manager) From() (common.Address, error) {
	if m.opts == nil {
		return common.Address{}, ErrReadOnly
	}
	return m.opts.From, nil
}

// CreateOptionPut submits createOptionPut. Amounts are in chain units.
func (m *Manager) CreateOptionPut(ctx context.Context, strike, premium, expiry *big.Int, asset common.Address, assetAmount *big.Int) (*types.Transaction, error) {
	return m.transact(ctx, m.bound, "createOptionPut", strike, premium, expiry, asset, assetAmount)
}

// BuyOption submits buyOption.
func (m *Manager) BuyOption(ctx context.Context, optionID *big.Int) (*types.Transaction, error) {
	return m.transact(ctx, m.bound, "buyOption", optionID)
}

// DeleteOptionPut submits deleteOptionPut.
func (m *Manager) DeleteOptionPut(ctx context.Context, optionID *big.Int) (*types.Transaction, error) {
	return m.transact(ctx, m.bound, "deleteOptionPut", optionID)
}

// SendAssetToContract submits sendERC20AssetToContract.
func (m *Manager) SendAssetToContract(ctx context.Context, optionID *big.Int) (*types.Transaction, error) {
	return m.transact(ctx, m.bound, "sendERC20AssetToContract", optionID)
}

// ReclaimAssetFromContract submits reclaimAssetFromContract.
func (m *Manager) ReclaimAssetFromContract(ctx context.Context, optionID *big.Int) (*types.Transaction, error) {
	return m.transact(ctx, m.bound, "reclaimAssetFromContract", optionID)
}

// Approve grants the OptionManager an allowance on token.
func (m *Manager) Approve(ctx context.Context, token common.Address, amount *big.Int) (*types.Transaction, error) {
	eth := m.chain.Eth()
	bound := bind.NewBoundContract(token, m.erc20ABI, eth, eth, eth)
	return m.transact(ctx, bound, "approve", m.address, amount)
}

// Allowance returns what owner has approved the OptionManager to spend.
func (m *Manager) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	values, err := callMethod(ctx, m.chain, token, m.erc20ABI, "allowance", nil, owner, m.address)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Option reads options(id) at the latest block.
func (m *Manager) Option(ctx context.Context, optionID *big.Int) (OnChainOption, error) {
	values, err := callMethod(ctx, m.chain, m.address, m.managerABI, "options", nil, optionID)
	if err != nil {
		return OnChainOption{}, err
	}
	if len(values) != 9 {
		return OnChainOption{}, fmt.Errorf("unexpected options values: %d", len(values))
	}

	var out OnChainOption
	optionType, err := asUint8(values[0])
	if err != nil {
		return OnChainOption{}, fmt.Errorf("option type: %w", err)
	}
	out.OptionType = model.OptionType(optionType)
	if out.Seller, err = asAddress(values[1]); err != nil {
		return OnChainOption{}, fmt.Errorf("seller: %w", err)
	}
	if out.Buyer, err = asAddress(values[2]); err != nil {
		return OnChainOption{}, fmt.Errorf("buyer: %w", err)
	}
	if out.StrikePrice, err = asBigInt(values[3]); err != nil {
		return OnChainOption{}, fmt.Errorf("strike: %w", err)
	}
	if out.Premium, err = asBigInt(values[4]); err != nil {
		return OnChainOption{}, fmt.Errorf("premium: %w", err)
	}
	if out.Asset, err = asAddress(values[5]); err != nil {
		return OnChainOption{}, fmt.Errorf("asset: %w", err)
	}
	if out.AssetAmount, err = asBigInt(values[6]); err != nil {
		return OnChainOption{}, fmt.Errorf("asset amount: %w", err)
	}
	if out.Expiry, err = asBigInt(values[7]); err != nil {
		return OnChainOption{}, fmt.Errorf("expiry: %w", err)
	}
	if out.AssetTransferred, err = asBool(values[8]); err != nil {
		return OnChainOption{}, fmt.Errorf("asset transferred: %w", err)
	}
	return out, nil
}

// WaitMined blocks until tx is included or ctx ends.
func (m *Manager) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, m.chain.Eth(), tx)
}

// RevertReason replays a failed transaction at its block to recover the
// revert data.
func (m *Manager) RevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) error {
	from, err := m.From()
	if err != nil {
		return err
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = m.chain.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return &RevertError{Name: "unknown", Code: model.ReasonReverted}
	}
	if revert, ok := DecodeRevert(err); ok {
		return revert
	}
	return &RevertError{Name: "Error", Reason: err.Error(), Code: ReasonForMessage(err.Error())}
}

// CreatedOptionID finds the OptionCreated log emitted by the manager in a
// receipt.
func (m *Manager) CreatedOptionID(receipt *types.Receipt) (*big.Int, bool) {
	event := m.managerABI.Events[string(model.EventOptionCreated)]
	for _, log := range receipt.Logs {
		if log.Address != m.address || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil || len(values) == 0 {
			continue
		}
		id, err := asBigInt(values[0])
		if err != nil {
			continue
		}
		return id, true
	}
	return nil, false
}

func (m *Manager) transact(ctx context.Context, bound *bind.BoundContract, method string, params ...interface{}) (*types.Transaction, error) {
	if m.opts == nil {
		return nil, ErrReadOnly
	}

	// One in-flight submission at a time so pending nonces do not collide.
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	opts := *m.opts
	opts.Context = ctx
	tx, err := bound.Transact(&opts, method, params...)
	if err != nil {
		if revert, ok := DecodeRevert(err); ok {
			return nil, fmt.Errorf("%s: %w", method, revert)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	m.logger.Info("transaction submitted",
		zap.String("method", method),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()),
	)
	return tx, nil
}
