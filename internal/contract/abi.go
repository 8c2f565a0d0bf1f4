package contract

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const optionManagerABIJSON = `[
  {"inputs": [], "name": "OptionManager_AssetTransferFailedAtExpiry", "type": "error"},
  {"inputs": [], "name": "OptionManager_USDCTransferFailedAtExpiry", "type": "error"},
  {"inputs": [], "name": "OptionManager__BuyingPremiumTransferFailed", "type": "error"},
  {"inputs": [], "name": "OptionManager__InitialTransferStrikePriceFundFailed", "type": "error"},
  {"inputs": [], "name": "OptionManager__InsufficientAllowanceAssetBuyerPut", "type": "error"},
  {"inputs": [], "name": "OptionManager__InsufficientAllowanceSellerPut", "type": "error"},
  {"inputs": [], "name": "OptionManager__InsufficientAllowanceUSDCBuyerPut", "type": "error"},
  {"inputs": [], "name": "OptionManager__InsufficientBalanceSellerPut", "type": "error"},
  {"inputs": [], "name": "OptionManager__InsufficientBalanceUSDCBuyerPut", "type": "error"},
  {"inputs": [], "name": "OptionManager__TransferAssetFailed", "type": "error"},
  {"inputs": [], "name": "OptionManager__buyOptionFailed", "type": "error"},
  {"inputs": [], "name": "OptionManager__callStrikeFailed", "type": "error"},
  {"inputs": [], "name": "OptionManager__putStrikeFailed", "type": "error"},
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "optionId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "buyer", "type": "address"}
    ],
    "name": "AssetReclaimFromTheContract",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "optionId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "buyer", "type": "address"}
    ],
    "name": "AssetSentToTheContract",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "optionId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "buyer", "type": "address"}
    ],
    "name": "OptionBought",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "optionId", "type": "uint256"},
      {"indexed": false, "internalType": "enum OptionManager.OptionType", "name": "optionType", "type": "uint8"},
      {"indexed": true, "internalType": "address", "name": "seller", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "strikePrice", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "premium", "type": "uint256"},
      {"indexed": false, "internalType": "address", "name": "asset", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "assetAmount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "expiry", "type": "uint256"}
    ],
    "name": "OptionCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "optionId", "type": "uint256"}
    ],
    "name": "OptionDeleted",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "optionId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "buyer", "type": "address"}
    ],
    "name": "OptionExercised",
    "type": "event"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "optionId", "type": "uint256"}],
    "name": "buyOption",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "strikePrice", "type": "uint256"},
      {"internalType": "uint256", "name": "premium", "type": "uint256"},
      {"internalType": "uint256", "name": "expiry", "type": "uint256"},
      {"internalType": "address", "name": "asset", "type": "address"},
      {"internalType": "uint256", "name": "assetAmount", "type": "uint256"}
    ],
    "name": "createOptionPut",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "optionId", "type": "uint256"}],
    "name": "deleteOptionPut",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "optionCount",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "name": "options",
    "outputs": [
      {"internalType": "enum OptionManager.OptionType", "name": "optionType", "type": "uint8"},
      {"internalType": "address", "name": "seller", "type": "address"},
      {"internalType": "address", "name": "buyer", "type": "address"},
      {"internalType": "uint256", "name": "strikePrice", "type": "uint256"},
      {"internalType": "uint256", "name": "premium", "type": "uint256"},
      {"internalType": "address", "name": "asset", "type": "address"},
      {"internalType": "uint256", "name": "assetAmount", "type": "uint256"},
      {"internalType": "uint256", "name": "expiry", "type": "uint256"},
      {"internalType": "bool", "name": "assetTransferedToTheContract", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "optionId", "type": "uint256"}],
    "name": "reclaimAssetFromContract",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "optionId", "type": "uint256"}],
    "name": "sendERC20AssetToContract",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "usdcAddress",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	optionManagerABI     abi.ABI
	optionManagerABIOnce sync.Once
	optionManagerABIErr  error
)

// OptionManagerABI returns the parsed OptionManager ABI.
func OptionManagerABI() (abi.ABI, error) {
	optionManagerABIOnce.Do(func() {
		optionManagerABI, optionManagerABIErr = abi.JSON(strings.NewReader(optionManagerABIJSON))
	})
	return optionManagerABI, optionManagerABIErr
}
