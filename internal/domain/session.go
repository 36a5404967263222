package domain

import "time"

// SessionState is the connection state of the broker session.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionFailed       SessionState = "failed"
)

// Session describes the single logical connection to the broker.
type Session struct {
	State           SessionState `json:"state"`
	Host            string       `json:"host"`
	Port            int          `json:"port"`
	ClientID        string       `json:"client_id"`
	LastError       string       `json:"last_error,omitempty"`
	ConnectAttempts int          `json:"connect_attempts"`
	ConnectedAt     time.Time    `json:"connected_at"`
	Subscriptions   []string     `json:"subscriptions,omitempty"`
}

// RuleCode identifies a pre-trade risk rule.
type RuleCode string

const (
	RuleSymbolNotAllowed       RuleCode = "symbol_not_allowed"
	RuleSymbolBlocked          RuleCode = "symbol_blocked"
	RuleOrderNotionalExceeded  RuleCode = "order_notional_exceeded"
	RuleNoReferencePrice       RuleCode = "no_reference_price"
	RulePositionNotionalExceed RuleCode = "position_notional_exceeded"
	RuleRateLimitExceeded      RuleCode = "rate_limit_exceeded"
	RuleLeverageExceeded       RuleCode = "leverage_exceeded"
	RuleDailyLossExceeded      RuleCode = "daily_loss_exceeded"
	RuleCircuitOpen            RuleCode = "circuit_open"
)

// Violation is one failed risk rule with a human-readable detail.
type Violation struct {
	Rule   RuleCode `json:"rule"`
	Detail string   `json:"detail"`
}

// TripReason identifies which signal tripped the circuit breaker.
type TripReason string

const (
	TripDailyLoss     TripReason = "daily_loss"
	TripRejectionRate TripReason = "rejection_rate"
)

// BreakerState is the circuit breaker's externally visible state.
type BreakerState struct {
	Tripped   bool       `json:"tripped"`
	TrippedAt time.Time  `json:"tripped_at"`
	Reason    TripReason `json:"reason,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}
