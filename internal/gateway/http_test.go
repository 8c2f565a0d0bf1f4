package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsync/internal/contract"
	"optionsync/internal/metrics"
	"optionsync/internal/model"
	"optionsync/internal/storage/sqlite"
)

const (
	sellerA = "0x1111111111111111111111111111111111111111"
	sellerB = "0x4444444444444444444444444444444444444444"
	buyerA  = "0x2222222222222222222222222222222222222222"
	assetA  = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	quoteA  = "0x5555555555555555555555555555555555555555"
)

var expiry = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeReader map[uint64]contract.OnChainOption

func (f fakeReader) Option(_ context.Context, id *big.Int) (contract.OnChainOption, error) {
	return f[id.Uint64()], nil
}

type staticDecimals map[string]uint8

func (s staticDecimals) Decimals(_ context.Context, token string) (uint8, error) {
	if d, ok := s[strings.ToLower(token)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown token %s", token)
}

type response struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

type testEnv struct {
	store  *sqlite.Store
	chain  fakeReader
	server *httptest.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.NewStore(context.Background(), filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chain := fakeReader{}
	tokens := staticDecimals{strings.ToLower(quoteA): 6, strings.ToLower(assetA): 18}
	svc := NewService(store, chain, tokens, quoteA, nil)
	server := httptest.NewServer(NewHandler(svc, nil))
	t.Cleanup(server.Close)
	return &testEnv{store: store, chain: chain, server: server}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) confirmed(t *testing.T, chainID uint64, seller string) model.Option {
	t.Helper()
	o, _, err := e.store.InsertConfirmed(context.Background(), model.Option{
		ChainID:       &chainID,
		OptionType:    model.OptionTypePut,
		StrikePrice:   decimal.RequireFromString("1000"),
		PremiumPrice:  decimal.RequireFromString("50"),
		Asset:         assetA,
		AssetAmount:   decimal.RequireFromString("1"),
		SellerAddress: seller,
		Expiry:        expiry,
	})
	require.NoError(t, err)
	return o
}

func createBodyJSON(seller string) string {
	return fmt.Sprintf(`{"strike_price":1000,"premium_price":"50","expiry":"2025-06-01T00:00:00Z","asset":%q,"seller_address":%q}`, assetA, seller)
}

func decodeViews(t *testing.T, raw json.RawMessage) []OptionView {
	t.Helper()
	var views []OptionView
	require.NoError(t, json.Unmarshal(raw, &views))
	return views
}

func decodeView(t *testing.T, raw json.RawMessage) OptionView {
	t.Helper()
	var v OptionView
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestCreateProvisional(t *testing.T) {
	env := newEnv(t)

	status, resp := env.do(t, http.MethodPost, "/options", createBodyJSON(sellerA))
	require.Equal(t, http.StatusCreated, status, resp.Error)
	assert.True(t, resp.Success)

	v := decodeView(t, resp.Data)
	assert.True(t, v.Provisional)
	assert.Nil(t, v.ChainID)
	assert.True(t, v.StrikePrice.Equal(decimal.RequireFromString("1000")))
	assert.True(t, v.PremiumPrice.Equal(decimal.RequireFromString("50")))
	assert.True(t, v.Expiry.Equal(expiry))
	assert.Equal(t, common.HexToAddress(assetA).Hex(), v.Asset)
	assert.False(t, v.CollateralTransferred)
	assert.Nil(t, v.BuyerAddress)
}

func TestCreateRejectsBadInput(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing strike", `{"premium_price":50,"expiry":"2025-06-01T00:00:00Z","asset":"` + assetA + `","seller_address":"` + sellerA + `"}`, "strike_price"},
		{"zero premium", `{"strike_price":1,"premium_price":0,"expiry":"2025-06-01T00:00:00Z","asset":"` + assetA + `","seller_address":"` + sellerA + `"}`, "premium_price"},
		{"bad expiry", `{"strike_price":1,"premium_price":50,"expiry":"soon","asset":"` + assetA + `","seller_address":"` + sellerA + `"}`, "expiry"},
		{"bad seller", `{"strike_price":1,"premium_price":50,"expiry":"2025-06-01","asset":"` + assetA + `","seller_address":"0x12"}`, "seller_address"},
		{"not json", `{`, "body"},
		{"unparseable number", `{"strike_price":"abc"}`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, "/options", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Fields, tt.field)
		})
	}
}

func TestListBySellerNewestFirst(t *testing.T) {
	env := newEnv(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		_, resp := env.do(t, http.MethodPost, "/options", createBodyJSON(sellerA))
		ids = append(ids, decodeView(t, resp.Data).ID)
	}
	env.do(t, http.MethodPost, "/options", createBodyJSON(sellerB))

	status, resp := env.do(t, http.MethodGet, "/options?seller="+sellerA, "")
	require.Equal(t, http.StatusOK, status)
	views := decodeViews(t, resp.Data)
	require.Len(t, views, 3)
	assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, []int64{views[0].ID, views[1].ID, views[2].ID})
	for _, v := range views {
		assert.True(t, model.SameAddress(sellerA, v.SellerAddress))
	}
}

func TestListRequiresAddress(t *testing.T) {
	env := newEnv(t)
	status, resp := env.do(t, http.MethodGet, "/options", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)

	status, _ = env.do(t, http.MethodGet, "/options?seller=nope", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListUnsoldAndHideProvisional(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	env.do(t, http.MethodPost, "/options", createBodyJSON(sellerA))
	env.confirmed(t, 7, sellerA)
	sold := env.confirmed(t, 8, sellerA)
	next := sold
	next.BuyerAddress = ptr(common.HexToAddress(buyerA).Hex())
	next.Status = model.StatusPurchased
	ok, err := env.store.SaveTransition(ctx, sold, next)
	require.NoError(t, err)
	require.True(t, ok)

	_, resp := env.do(t, http.MethodGet, "/options?buyer=null", "")
	unsold := decodeViews(t, resp.Data)
	require.Len(t, unsold, 2)
	for _, v := range unsold {
		assert.Nil(t, v.BuyerAddress)
	}

	_, resp = env.do(t, http.MethodGet, "/options?buyer=null&include_provisional=false", "")
	confirmedOnly := decodeViews(t, resp.Data)
	require.Len(t, confirmedOnly, 1)
	assert.False(t, confirmedOnly[0].Provisional)

	_, resp = env.do(t, http.MethodGet, "/options?buyer="+buyerA, "")
	bought := decodeViews(t, resp.Data)
	require.Len(t, bought, 1)
	assert.Equal(t, sold.ID, bought[0].ID)
}

func TestPatchProvisionalOnly(t *testing.T) {
	env := newEnv(t)

	_, resp := env.do(t, http.MethodPost, "/options", createBodyJSON(sellerA))
	id := decodeView(t, resp.Data).ID
	path := fmt.Sprintf("/options/%d", id)

	status, resp := env.do(t, http.MethodPatch, path, `{"buyer_address":"`+buyerA+`","asset_transfered":true}`)
	require.Equal(t, http.StatusOK, status, resp.Error)
	v := decodeView(t, resp.Data)
	require.NotNil(t, v.BuyerAddress)
	assert.True(t, model.SameAddress(buyerA, *v.BuyerAddress))
	assert.True(t, v.CollateralTransferred)

	status, resp = env.do(t, http.MethodPatch, path, `{"collateral_transferred":false}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp.Fields, "collateralTransferred")

	status, _ = env.do(t, http.MethodPatch, "/options/abc", `{"collateral_transferred":true}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPatch, "/options/999", `{"collateral_transferred":true}`)
	assert.Equal(t, http.StatusNotFound, status)

	confirmed := env.confirmed(t, 7, sellerA)
	status, resp = env.do(t, http.MethodPatch, fmt.Sprintf("/options/%d", confirmed.ID), `{"collateral_transferred":true}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)
}

func TestDeleteIsIdempotent(t *testing.T) {
	env := newEnv(t)

	_, resp := env.do(t, http.MethodPost, "/options", createBodyJSON(sellerA))
	path := fmt.Sprintf("/options/%d", decodeView(t, resp.Data).ID)

	status, resp := env.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, status)
	var first deleteResult
	require.NoError(t, json.Unmarshal(resp.Data, &first))
	assert.True(t, first.Deleted)

	status, resp = env.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, status)
	var second deleteResult
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	assert.False(t, second.Deleted)

	status, _ = env.do(t, http.MethodDelete, "/options/x1", "")
	assert.Equal(t, http.StatusBadRequest, status)

	confirmed := env.confirmed(t, 7, sellerA)
	status, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/options/%d", confirmed.ID), "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestVerifyAgainstChain(t *testing.T) {
	env := newEnv(t)
	o := env.confirmed(t, 7, sellerA)
	env.confirmed(t, 8, sellerA)

	env.chain[7] = contract.OnChainOption{
		OptionType:  model.OptionTypePut,
		Seller:      common.HexToAddress(sellerA),
		StrikePrice: big.NewInt(1_000_000_000),
		Premium:     big.NewInt(50_000_000),
		Asset:       common.HexToAddress(assetA),
		AssetAmount: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		Expiry:      big.NewInt(expiry.Unix()),
	}

	status, resp := env.do(t, http.MethodGet, fmt.Sprintf("/options/%d?verify=true", o.ID), "")
	require.Equal(t, http.StatusOK, status)
	v := decodeView(t, resp.Data)
	require.NotNil(t, v.Verification)
	assert.True(t, v.Verification.Consistent, v.Verification.Mismatches)

	drifted := env.chain[7]
	drifted.Buyer = common.HexToAddress(buyerA)
	env.chain[7] = drifted

	_, resp = env.do(t, http.MethodGet, "/options?seller="+sellerA+"&verify=true", "")
	views := decodeViews(t, resp.Data)
	require.Len(t, views, 2)
	byChain := map[uint64]*Verification{}
	for _, v := range views {
		byChain[*v.ChainID] = v.Verification
	}
	require.NotNil(t, byChain[7])
	assert.False(t, byChain[7].Consistent)
	assert.Equal(t, []string{"buyer_address"}, byChain[7].Mismatches)
	require.NotNil(t, byChain[8])
	assert.False(t, byChain[8].OnChain, "option 8 reads back empty")
}

func TestHealthAndRequestID(t *testing.T) {
	metrics.Init()
	env := newEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "fixed-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fixed-id", resp.Header.Get(requestIDHeader))
}

func ptr(s string) *string { return &s }
