package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"optionsync/internal/metrics"
	"optionsync/internal/model"
)

const requestIDHeader = "X-Request-ID"

type envelope struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type createBody struct {
	StrikePrice   *decimal.Decimal `json:"strike_price"`
	PremiumPrice  *decimal.Decimal `json:"premium_price"`
	AssetAmount   *decimal.Decimal `json:"asset_amount"`
	Asset         string           `json:"asset"`
	SellerAddress string           `json:"seller_address"`
	Expiry        string           `json:"expiry"`
}

type patchBody struct {
	BuyerAddress          *string `json:"buyer_address"`
	CollateralTransferred *bool   `json:"collateral_transferred"`
	// AssetTransfered is the field name older clients send.
	AssetTransfered *bool `json:"asset_transfered"`
}

type deleteResult struct {
	ID      int64 `json:"id"`
	Deleted bool  `json:"deleted"`
}

// NewHandler returns the gateway routes wrapped in request logging and
// metrics.
func NewHandler(svc *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /options", h.create)
	mux.HandleFunc("GET /options", h.list)
	mux.HandleFunc("GET /options/{id}", h.get)
	mux.HandleFunc("PATCH /options/{id}", h.patch)
	mux.HandleFunc("DELETE /options/{id}", h.delete)
	mux.HandleFunc("GET /healthz", h.health)
	mux.Handle("GET /metrics", metrics.Handler())

	return h.middleware(mux)
}

type handler struct {
	svc    *Service
	logger *zap.Logger
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, r, model.NewValidationError("body", "invalid JSON"))
		return
	}
	v, err := h.svc.Create(r.Context(), CreateInput{
		StrikePrice:   body.StrikePrice,
		PremiumPrice:  body.PremiumPrice,
		AssetAmount:   body.AssetAmount,
		Asset:         body.Asset,
		SellerAddress: body.SellerAddress,
		Expiry:        body.Expiry,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: v})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := Query{
		Seller:             params.Get("seller"),
		Buyer:              params.Get("buyer"),
		IncludeProvisional: true,
	}
	if strings.EqualFold(q.Buyer, "null") {
		q.Buyer = ""
		q.Unsold = true
	}
	var err error
	if q.IncludeProvisional, err = boolParam(params.Get("include_provisional"), true); err != nil {
		h.fail(w, r, model.NewValidationError("include_provisional", "must be a boolean"))
		return
	}
	if q.Verify, err = boolParam(params.Get("verify"), false); err != nil {
		h.fail(w, r, model.NewValidationError("verify", "must be a boolean"))
		return
	}

	views, err := h.svc.List(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: views})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	verify, err := boolParam(r.URL.Query().Get("verify"), false)
	if err != nil {
		h.fail(w, r, model.NewValidationError("verify", "must be a boolean"))
		return
	}
	v, err := h.svc.Get(r.Context(), id, verify)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: v})
}

func (h *handler) patch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, r, model.NewValidationError("body", "invalid JSON"))
		return
	}
	p := model.Patch{BuyerAddress: body.BuyerAddress, CollateralTransferred: body.CollateralTransferred}
	if p.CollateralTransferred == nil {
		p.CollateralTransferred = body.AssetTransfered
	}

	v, err := h.svc.Patch(r.Context(), id, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: v})
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	deleted, err := h.svc.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: deleteResult{ID: id, Deleted: deleted}})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.svc.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, model.NewValidationError("id", "valid option id is required"))
		return 0, false
	}
	return id, true
}

// fail maps an error onto a status code and the error envelope.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *model.ValidationError
		status int
		body   = envelope{Error: err.Error()}
	)
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Error = "invalid input"
		body.Fields = verr.Fields
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConfirmedRecord), errors.Is(err, model.ErrNotProvisional), errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
		body.Error = "internal error"
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", w.Header().Get(requestIDHeader)),
		)
	}
	writeJSON(w, status, body)
}

func (h *handler) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RecordHTTP(route, rec.status, elapsed)
		h.logger.Debug("request served",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func boolParam(raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}
