package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const (
	HeaderActorID        = "X-Actor-ID"
	HeaderIdempotencyKey = "Idempotency-Key"

	dateLayout      = "2006-01-02"
	retryAfterSecs  = "1"
	maxRequestBytes = 1 << 20
)

// Services are the ledger operations exposed by the transports.
type Services struct {
	Orders       *service.OrderService
	Movements    *service.MovementService
	Fulfillments *service.FulfillmentService
	Queries      *service.QueryService
}

type RequestMetrics interface {
	ObserveRequest(handler string, status int, elapsed time.Duration)
}

type HTTPHandler struct {
	svc     Services
	logger  *zap.Logger
	metrics RequestMetrics
}

func NewHTTPHandler(svc Services, logger *zap.Logger, metrics RequestMetrics) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{svc: svc, logger: logger, metrics: metrics}
}

// Register mounts the ledger routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/orders", h.instrument("create_order", h.CreateOrder))
	mux.HandleFunc("GET /api/orders/{orderID}", h.instrument("get_order", h.GetOrder))
	mux.HandleFunc("POST /api/inbound", h.instrument("apply_inbound", h.ApplyInbound))
	mux.HandleFunc("POST /api/inbound/batch", h.instrument("apply_batch", h.ApplyBatch))
	mux.HandleFunc("POST /api/fulfillments", h.instrument("record_fulfillment", h.RecordFulfillment))
	mux.HandleFunc("GET /api/stock/central/{productID}", h.instrument("central_stock", h.CentralStock))
	mux.HandleFunc("GET /api/stock/branches/{branchID}/{productID}", h.instrument("branch_stock", h.BranchStock))
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderPayload
	if !h.decode(w, r, &req) {
		return
	}
	in := req.request(r.Header.Get(HeaderActorID), r.Header.Get(HeaderIdempotencyKey))
	order, err := h.svc.Orders.CreateOrder(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Queries.Order(r.Context(), r.PathValue("orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) ApplyInbound(w http.ResponseWriter, r *http.Request) {
	var req InboundPayload
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.request(r.Header.Get(HeaderActorID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.svc.Movements.ApplyInbound(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementResponse(*m))
}

func (h *HTTPHandler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchInboundPayload
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.request(r.Header.Get(HeaderActorID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	movements, err := h.svc.Movements.ApplyBatch(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(movements))
}

func (h *HTTPHandler) RecordFulfillment(w http.ResponseWriter, r *http.Request) {
	var req FulfillmentPayload
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.request(r.Header.Get(HeaderActorID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.svc.Fulfillments.RecordFulfillment(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFulfillmentResponse(rec))
}

func (h *HTTPHandler) CentralStock(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	level, err := h.svc.Queries.CentralStock(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (h *HTTPHandler) BranchStock(w http.ResponseWriter, r *http.Request) {
	branchID, err := pathID(r, "branchID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	level, err := h.svc.Queries.BranchStock(r.Context(), branchID, productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_body",
			Message: "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// writeError maps ledger errors onto HTTP statuses. Lock conflicts are
// retryable and carry Retry-After.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: service.Outcome(err), Message: err.Error()}
	var status int

	var validationErr *domain.ValidationError
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrProductNotFound) && !errors.Is(err, domain.ErrValidation):
		status = http.StatusNotFound
		resp.Error = "not_found"
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
		resp.Field = validationErr.Field
	case errors.As(err, &stockErr):
		status = http.StatusConflict
		resp.Available = &stockErr.Available
		resp.Requested = &stockErr.Requested
	case errors.Is(err, domain.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrConcurrencyConflict):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfterSecs)
	default:
		status = http.StatusInternalServerError
		resp.Message = "internal error"
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func (h *HTTPHandler) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.metrics.ObserveRequest(name, rec.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
