package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatedOptionIDFromReceipt(t *testing.T) {
	managerABI, err := OptionManagerABI()
	require.NoError(t, err)
	m := &Manager{address: testManager, managerABI: managerABI}

	created := managerABI.Events["OptionCreated"]
	data, err := created.Inputs.NonIndexed().Pack(
		big.NewInt(11), uint8(1), big.NewInt(1), big.NewInt(2), testAsset, big.NewInt(3), big.NewInt(4),
	)
	require.NoError(t, err)

	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: testAsset, Topics: []common.Hash{created.ID}, Data: data},
		{Address: testManager, Topics: []common.Hash{managerABI.Events["OptionBought"].ID}},
		{Address: testManager, Topics: []common.Hash{created.ID, topicFromAddress(testSeller)}, Data: data},
	}}

	id, ok := m.CreatedOptionID(receipt)
	require.True(t, ok)
	assert.Equal(t, int64(11), id.Int64())

	_, ok = m.CreatedOptionID(&types.Receipt{})
	assert.False(t, ok)
}

func TestOnChainOptionExists(t *testing.T) {
	assert.False(t, OnChainOption{}.Exists())
	assert.True(t, OnChainOption{Seller: testSeller}.Exists())
}

func TestManagerWithoutKeyIsReadOnly(t *testing.T) {
	m := &Manager{}
	_, err := m.From()
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = m.BuyOption(t.Context(), big.NewInt(1))
	assert.ErrorIs(t, err, ErrReadOnly)
}
