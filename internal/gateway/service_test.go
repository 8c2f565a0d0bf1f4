package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsync/internal/model"
)

func TestListOptionsByRole(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	svc := NewService(env.store, nil, nil, quoteA, nil)

	env.confirmed(t, 7, sellerA)
	env.confirmed(t, 8, sellerB)

	views, err := svc.ListOptions(ctx, model.RoleSeller, sellerB)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, uint64(8), *views[0].ChainID)

	views, err = svc.ListOptions(ctx, model.RoleBuyer, "")
	require.NoError(t, err)
	assert.Len(t, views, 2)

	_, err = svc.ListOptions(ctx, model.Role("admin"), sellerA)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestVerifySkipsProvisionalAndReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	svc := NewService(env.store, nil, nil, quoteA, nil)

	assert.Nil(t, svc.Verify(ctx, model.Option{Status: model.StatusProvisional}))

	o := env.confirmed(t, 7, sellerA)
	v := svc.Verify(ctx, o)
	require.NotNil(t, v)
	assert.False(t, v.Consistent)
	assert.Equal(t, "verification unavailable", v.Error)
}

func TestPatchRequiresChange(t *testing.T) {
	env := newEnv(t)
	svc := NewService(env.store, nil, nil, quoteA, nil)

	_, err := svc.Patch(context.Background(), 1, model.Patch{})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "body")
}

func TestParseExpiry(t *testing.T) {
	for _, in := range []string{"2025-06-01", "2025-06-01T00:00:00", "2025-06-01T00:00:00Z", "2025-06-01T02:00:00+02:00"} {
		got, err := parseExpiry(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(expiry), in)
	}
	_, err := parseExpiry("")
	assert.Error(t, err)
	_, err = parseExpiry("June")
	assert.Error(t, err)
}
