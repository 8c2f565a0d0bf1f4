package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsync/internal/model"
)

// Runs against a disposable database named by OPTIONSYNC_TEST_PG_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("OPTIONSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("OPTIONSYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE options, indexer_state RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestPostgresPromoteAndTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seller := "0x1111111111111111111111111111111111111111"
	buyer := "0x2222222222222222222222222222222222222222"
	expiry := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	created, err := s.InsertProvisional(ctx, model.Option{
		OptionType:    model.OptionTypePut,
		StrikePrice:   decimal.RequireFromString("1000.000000000000000001"),
		PremiumPrice:  decimal.RequireFromString("50"),
		Asset:         "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
		AssetAmount:   decimal.Zero,
		SellerAddress: seller,
		Expiry:        expiry,
	})
	require.NoError(t, err)
	assert.True(t, created.Provisional())
	assert.Equal(t, "1000.000000000000000001", created.StrikePrice.String())

	match, err := s.FindProvisionalMatch(ctx, model.MatchKey{
		SellerAddress: seller,
		StrikePrice:   decimal.RequireFromString("1000.000000000000000001"),
		PremiumPrice:  decimal.RequireFromString("50.00"),
		Asset:         "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Expiry:        expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, match.ID)

	promoted, err := s.Promote(ctx, created.ID, model.Promotion{ChainID: 7, OptionType: model.OptionTypePut, AssetAmount: decimal.RequireFromString("1"), TxHash: "0xabc"})
	require.NoError(t, err)
	require.NotNil(t, promoted.ChainID)
	assert.Equal(t, uint64(7), *promoted.ChainID)

	_, err = s.Promote(ctx, created.ID, model.Promotion{ChainID: 8})
	assert.ErrorIs(t, err, model.ErrConflict)

	_, inserted, err := s.InsertConfirmed(ctx, promoted)
	require.NoError(t, err)
	assert.False(t, inserted)

	next, _, err := model.Transition(promoted, model.Event{Kind: model.EventOptionBought, Buyer: buyer})
	require.NoError(t, err)
	ok, err := s.SaveTransition(ctx, promoted, next)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SaveTransition(ctx, promoted, next)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.List(ctx, model.ListFilter{Buyer: &buyer})
	require.NoError(t, err)
	require.Len(t, list, 1)

	deleted, err := s.DeleteByChainID(ctx, 7)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteByChainID(ctx, 7)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPostgresState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, "ingest", 42))
	block, ok, err := s.LoadState(ctx, "ingest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), block)
}
