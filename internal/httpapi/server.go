package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"brokergate/internal/domain"
	"brokergate/internal/metrics"
	"brokergate/internal/risk"
	"brokergate/internal/store"
)

const maxBodyBytes = 1 << 20

// Core is the order gateway surface the HTTP API exposes.
type Core interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAccepted, error)
	Preview(ctx context.Context, req domain.OrderRequest) (risk.Decision, error)
	CancelOrder(ctx context.Context, localID string) error
	GetOrder(id string) (domain.Order, bool)
	GetOpenOrders() []domain.Order
	ListOrders(statuses ...domain.OrderStatus) []domain.Order
	GetPositions() map[string]domain.Position
	GetPosition(symbol string) (domain.Position, bool)
	Account(ctx context.Context) (domain.AccountInfo, error)
	PlaceBulk(ctx context.Context, rows []domain.BulkOrder, validateOnly bool) domain.BulkReport

	PlaceBracket(ctx context.Context, req domain.BracketRequest) (domain.OrderGroup, error)
	PlaceOCO(ctx context.Context, req domain.OCORequest) (domain.OrderGroup, error)
	GetGroup(id string) (domain.OrderGroup, bool)
	ListGroups() []domain.OrderGroup
	CancelGroup(id string) (domain.OrderGroup, error)

	PlaceConditional(ctx context.Context, req domain.ConditionalRequest) (domain.ConditionalOrder, error)
	ListConditionals(statuses ...domain.ConditionalStatus) []domain.ConditionalOrder
	CancelConditional(id string) (domain.ConditionalOrder, error)
	CheckConditionals(ctx context.Context) []domain.ConditionalOrder

	ResetBreaker(operator string)
	BreakerState() domain.BreakerState
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
	SessionInfo() domain.Session
}

// Server serves the gateway HTTP API.
type Server struct {
	core     Core
	journal  store.Journal
	counters *metrics.Counters
	log      *slog.Logger
	now      func() time.Time
}

// NewServer creates a server over core. counters may be nil.
func NewServer(core Core, counters *metrics.Counters, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		core:     core,
		counters: counters,
		log:      log.With("component", "httpapi"),
		now:      time.Now,
	}
}

// SetJournal enables the order history endpoint.
func (s *Server) SetJournal(j store.Journal) { s.journal = j }

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	mux.HandleFunc("POST /api/orders/preview", s.handlePreview)
	mux.HandleFunc("POST /api/orders/bulk", s.handleBulkOrders)
	mux.HandleFunc("POST /api/orders/bracket", s.handlePlaceBracket)
	mux.HandleFunc("POST /api/orders/oco", s.handlePlaceOCO)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/orders/{id}/history", s.handleOrderHistory)
	mux.HandleFunc("GET /api/groups", s.handleListGroups)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("DELETE /api/groups/{id}", s.handleCancelGroup)
	mux.HandleFunc("POST /api/conditionals", s.handlePlaceConditional)
	mux.HandleFunc("GET /api/conditionals", s.handleListConditionals)
	mux.HandleFunc("POST /api/conditionals/check", s.handleCheckConditionals)
	mux.HandleFunc("DELETE /api/conditionals/{id}", s.handleCancelConditional)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/{symbol}", s.handlePosition)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/breaker", s.handleBreaker)
	mux.HandleFunc("POST /api/breaker/reset", s.handleResetBreaker)
	mux.HandleFunc("PUT /api/marketdata/{symbol}", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/marketdata/{symbol}", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSONStatus(w, status, ErrorResponse{Error: msg, Code: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	acc, err := s.core.PlaceOrder(r.Context(), req)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, acc)
}

// writeOrderError maps a PlaceOrder error to a status code.
func (s *Server) writeOrderError(w http.ResponseWriter, err error) {
	var (
		rej     *domain.RiskRejection
		circuit *domain.CircuitOpenError
		sub     *domain.SubmissionError
	)
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, CodeInvalidOrder, err.Error())
	case errors.As(err, &rej):
		writeJSONStatus(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(), Code: CodeRiskRejected, Reasons: rej.Reasons,
		})
	case errors.As(err, &circuit):
		st := circuit.State
		writeJSONStatus(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(), Code: CodeCircuitOpen, Breaker: &st,
		})
	case errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, CodeNotConnected, err.Error())
	case errors.Is(err, domain.ErrUnknownOutcome):
		resp := ErrorResponse{Error: err.Error(), Code: CodeUnknownOutcome}
		if errors.As(err, &sub) {
			resp.LocalID = sub.LocalID
		}
		writeJSONStatus(w, http.StatusGatewayTimeout, resp)
	default:
		resp := ErrorResponse{Error: err.Error(), Code: CodeSubmitFailed}
		if errors.As(err, &sub) {
			resp.LocalID = sub.LocalID
		}
		s.log.Error("place order failed", "error", err)
		writeJSONStatus(w, http.StatusBadGateway, resp)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	d, err := s.core.Preview(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidOrder, err.Error())
		return
	}
	writeJSON(w, d)
}

// handleListOrders serves GET /api/orders?status=open or a comma separated
// list of statuses.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("status"))
	if q == "open" {
		writeJSON(w, OrdersResponse{Orders: nonNil(s.core.GetOpenOrders())})
		return
	}
	var statuses []domain.OrderStatus
	if q != "" {
		for _, part := range strings.Split(q, ",") {
			st := domain.OrderStatus(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	writeJSON(w, OrdersResponse{Orders: nonNil(s.core.ListOrders(statuses...))})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, ok := s.core.GetOrder(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("order %s not found", id))
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.core.CancelOrder(r.Context(), id)
	switch {
	case err == nil:
		o, _ := s.core.GetOrder(id)
		writeJSONStatus(w, http.StatusAccepted, o)
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, domain.ErrOrderTerminal):
		writeError(w, http.StatusConflict, CodeOrderTerminal, err.Error())
	case errors.Is(err, domain.ErrNotAcknowledged):
		writeError(w, http.StatusConflict, CodeNotAcknowledged, err.Error())
	case errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, CodeNotConnected, err.Error())
	default:
		s.log.Error("cancel order failed", "local_id", id, "error", err)
		writeError(w, http.StatusBadGateway, CodeCancelFailed, err.Error())
	}
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "journal not configured")
		return
	}
	id := r.PathValue("id")
	if o, ok := s.core.GetOrder(id); ok {
		id = o.LocalID
	}
	events, err := s.journal.OrderHistory(r.Context(), id)
	if err != nil {
		s.log.Error("loading order history", "local_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeUnavailable, "failed to load order history")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no history for order %s", id))
		return
	}
	writeJSON(w, HistoryResponse{LocalID: id, Events: events})
}

func nonNil(orders []domain.Order) []domain.Order {
	if orders == nil {
		return []domain.Order{}
	}
	return orders
}

// ---------------------------------------------------------------------------
// Positions, session and breaker
// ---------------------------------------------------------------------------

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	m := s.core.GetPositions()
	out := make([]domain.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	writeJSON(w, PositionsResponse{Positions: out})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	p, ok := s.core.GetPosition(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no position in %s", symbol))
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.core.Account(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeNotConnected, err.Error())
		return
	}
	writeJSON(w, a)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.core.SessionInfo())
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.core.BreakerState())
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req BreakerResetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Operator) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "operator required")
		return
	}
	s.core.ResetBreaker(req.Operator)
	writeJSON(w, s.core.BreakerState())
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeSubscription(w, r, s.core.Subscribe)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeSubscription(w, r, s.core.Unsubscribe)
}

func (s *Server) changeSubscription(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "symbol required")
		return
	}
	if err := fn(r.Context(), symbol); err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			writeError(w, http.StatusServiceUnavailable, CodeNotConnected, err.Error())
			return
		}
		s.log.Error("market data subscription failed", "symbol", symbol, "method", r.Method, "error", err)
		writeError(w, http.StatusBadGateway, CodeUnavailable, err.Error())
		return
	}
	subs := s.core.SessionInfo().Subscriptions
	if subs == nil {
		subs = []string{}
	}
	writeJSON(w, SubscriptionResponse{Symbol: symbol, Subscriptions: subs})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.counters == nil {
		writeJSON(w, map[string]int64{})
		return
	}
	writeJSON(w, s.counters.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.core.SessionInfo().State
	resp := HealthResponse{
		Status:  "ok",
		Session: st,
		Breaker: s.core.BreakerState().Tripped,
		Time:    s.now(),
	}
	if st == domain.SessionFailed {
		resp.Status = "degraded"
		writeJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, resp)
}
