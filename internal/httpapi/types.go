package httpapi

import (
	"time"

	"brokergate/internal/domain"
	"brokergate/internal/risk"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidOrder    = "invalid_order"
	CodeRiskRejected    = "risk_rejected"
	CodeCircuitOpen     = "circuit_open"
	CodeNotConnected    = "not_connected"
	CodeUnknownOutcome  = "unknown_outcome"
	CodeSubmitFailed    = "submit_failed"
	CodeNotFound        = "not_found"
	CodeOrderTerminal   = "order_terminal"
	CodeNotAcknowledged = "not_acknowledged"
	CodeCancelFailed    = "cancel_failed"
	CodeUnavailable     = "unavailable"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string               `json:"error"`
	Code    string               `json:"code,omitempty"`
	LocalID string               `json:"local_id,omitempty"`
	Reasons []domain.Violation   `json:"reasons,omitempty"`
	Breaker *domain.BreakerState `json:"breaker,omitempty"`
}

// OrdersResponse lists orders.
type OrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// PositionsResponse lists positions sorted by symbol.
type PositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// GroupsResponse lists order groups, oldest first.
type GroupsResponse struct {
	Groups []domain.OrderGroup `json:"groups"`
}

// ConditionalsResponse lists conditional orders.
type ConditionalsResponse struct {
	Conditionals []domain.ConditionalOrder `json:"conditionals"`
}

// PreviewResponse is the result of a dry-run risk evaluation.
type PreviewResponse = risk.Decision

// HistoryResponse is the journaled lifecycle of one order.
type HistoryResponse struct {
	LocalID string                  `json:"local_id"`
	Events  []domain.LifecycleEvent `json:"events"`
}

// BreakerResetRequest names the operator clearing the breaker.
type BreakerResetRequest struct {
	Operator string `json:"operator"`
}

// SubscriptionResponse confirms a market data subscription change.
type SubscriptionResponse struct {
	Symbol        string   `json:"symbol"`
	Subscriptions []string `json:"subscriptions"`
}

// HealthResponse reports liveness and the broker session state.
type HealthResponse struct {
	Status  string              `json:"status"`
	Session domain.SessionState `json:"session"`
	Breaker bool                `json:"breaker_tripped"`
	Time    time.Time           `json:"time"`
}
