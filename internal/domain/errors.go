package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNotConnected        = errors.New("broker session not connected")
	ErrUnknownOutcome      = errors.New("broker call timed out, outcome unknown")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderTerminal       = errors.New("order already in a terminal state")
	ErrNotAcknowledged     = errors.New("order not yet acknowledged by broker")
	ErrAlreadyConnected    = errors.New("broker session already active")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrGroupNotFound       = errors.New("order group not found")
	ErrConditionalNotFound = errors.New("conditional order not found")
)

// ConnectionError is a transient connectivity failure. The session manager
// retries these with backoff.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is a terminal credential or permission failure. It is
// never retried.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("broker authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SubmissionError is returned to the caller when an order could not be
// handed to the broker. Callers decide whether to resubmit.
type SubmissionError struct {
	LocalID string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit order %s: %v", e.LocalID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// CancellationError is returned when a cancel request could not be sent.
type CancellationError struct {
	LocalID  string
	BrokerID string
	Err      error
}

func (e *CancellationError) Error() string {
	id := e.LocalID
	if id == "" {
		id = e.BrokerID
	}
	return fmt.Sprintf("cancel order %s: %v", id, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// RiskRejection is the expected business outcome of a failed pre-trade check.
type RiskRejection struct {
	Reasons []Violation
}

func (e *RiskRejection) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, v := range e.Reasons {
		parts[i] = string(v.Rule)
	}
	return "order rejected by risk: " + strings.Join(parts, ", ")
}

// Has reports whether rule is among the reasons.
func (e *RiskRejection) Has(rule RuleCode) bool {
	for _, v := range e.Reasons {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// CircuitOpenError is returned while the circuit breaker is tripped.
type CircuitOpenError struct {
	State BreakerState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open (%s): %s", e.State.Reason, e.State.Detail)
}

// BrokerProtocolError wraps an unexpected error reported by the broker.
// Order-scoped errors are routed to the affected order as a rejection;
// all others affect the connection.
type BrokerProtocolError struct {
	Code        int
	Message     string
	OrderScoped bool
	Auth        bool
	LocalID     string
	BrokerID    string
}

func (e *BrokerProtocolError) Error() string {
	return fmt.Sprintf("broker protocol error %d: %s", e.Code, e.Message)
}

// Category buckets a broker error code the way IB Gateway groups them.
func (e *BrokerProtocolError) Category() string {
	switch {
	case e.Code >= 2100:
		return "system"
	case e.Code >= 100 && e.Code < 200:
		return "order"
	case e.Code >= 300 && e.Code < 400:
		return "market_data"
	}
	return "other"
}

// ReconciliationConflict describes a disagreement between local state and
// the broker snapshot. It is logged, never returned to callers.
type ReconciliationConflict struct {
	LocalID  string
	BrokerID string
	Detail   string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconciliation conflict for %s/%s: %s", e.LocalID, e.BrokerID, e.Detail)
}
