package domain

import "time"

// BrokerEventKind tags the variant carried by a BrokerEvent.
type BrokerEventKind string

const (
	EventAck           BrokerEventKind = "ack"
	EventFill          BrokerEventKind = "fill"
	EventStatusChange  BrokerEventKind = "status_change"
	EventRejection     BrokerEventKind = "rejection"
	EventDisconnection BrokerEventKind = "disconnection"
	EventError         BrokerEventKind = "error"
	EventQuote         BrokerEventKind = "quote"
)

// BrokerEvent is the closed set of asynchronous notifications a gateway can
// deliver. Gateways convert their SDK payloads into this shape at the
// boundary; only the fields of the tagged Kind are meaningful.
type BrokerEvent struct {
	Kind     BrokerEventKind
	LocalID  string
	BrokerID string
	At       time.Time

	// EventStatusChange
	Status OrderStatus
	// EventFill
	Fill *Fill
	// The broker's total order quantity, when the event carries it.
	OrderQty int64
	// EventRejection, EventStatusChange, EventDisconnection
	Reason string
	// EventError
	Err *BrokerProtocolError
	// EventQuote
	Quote *Quote
}

// AckEvent builds an EventAck.
func AckEvent(localID, brokerID string, at time.Time) BrokerEvent {
	return BrokerEvent{Kind: EventAck, LocalID: localID, BrokerID: brokerID, At: at}
}

// FillEvent builds an EventFill from f.
func FillEvent(f Fill) BrokerEvent {
	return BrokerEvent{Kind: EventFill, LocalID: f.OrderLocalID, BrokerID: f.BrokerID, At: f.Timestamp, Fill: &f}
}

// StatusEvent builds an EventStatusChange.
func StatusEvent(localID, brokerID string, status OrderStatus, reason string, at time.Time) BrokerEvent {
	return BrokerEvent{Kind: EventStatusChange, LocalID: localID, BrokerID: brokerID, Status: status, Reason: reason, At: at}
}

// RejectionEvent builds an EventRejection.
func RejectionEvent(localID, brokerID, reason string, at time.Time) BrokerEvent {
	return BrokerEvent{Kind: EventRejection, LocalID: localID, BrokerID: brokerID, Reason: reason, At: at}
}

// DisconnectionEvent builds an EventDisconnection.
func DisconnectionEvent(reason string, at time.Time) BrokerEvent {
	return BrokerEvent{Kind: EventDisconnection, Reason: reason, At: at}
}

// ErrorEvent builds an EventError.
func ErrorEvent(err *BrokerProtocolError, at time.Time) BrokerEvent {
	return BrokerEvent{Kind: EventError, LocalID: err.LocalID, BrokerID: err.BrokerID, Err: err, At: at}
}

// QuoteEvent builds an EventQuote.
func QuoteEvent(q Quote) BrokerEvent {
	return BrokerEvent{Kind: EventQuote, Quote: &q, At: q.Timestamp}
}

// LifecycleEvent is emitted for every accepted order transition. Consumers
// deduplicate on (LocalID, Version).
type LifecycleEvent struct {
	LocalID  string      `json:"local_id"`
	BrokerID string      `json:"broker_id,omitempty"`
	Symbol   string      `json:"symbol"`
	Side     OrderSide   `json:"side"`
	Previous OrderStatus `json:"previous_status"`
	New      OrderStatus `json:"new_status"`
	Version  uint64      `json:"version"`
	Fill     *Fill       `json:"fill,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	At       time.Time   `json:"timestamp"`
	Order    Order       `json:"order"`
}

// SessionEvent reports a change of the broker session state.
type SessionEvent struct {
	Previous SessionState `json:"previous"`
	Current  SessionState `json:"current"`
	Attempt  int          `json:"attempt"`
	Err      string       `json:"error,omitempty"`
	Fatal    bool         `json:"fatal"`
	At       time.Time    `json:"timestamp"`
}

// RiskRejectionEvent carries every violated rule of a rejected order.
type RiskRejectionEvent struct {
	LocalID string      `json:"local_id"`
	Symbol  string      `json:"symbol"`
	Side    OrderSide   `json:"side"`
	Qty     int64       `json:"qty"`
	Reasons []Violation `json:"reasons"`
	At      time.Time   `json:"timestamp"`
}

// BreakerEvent reports a circuit breaker trip or reset.
type BreakerEvent struct {
	Tripped  bool       `json:"tripped"`
	Reason   TripReason `json:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Operator string     `json:"operator,omitempty"`
	At       time.Time  `json:"timestamp"`
}

// InconsistencyEvent flags a broker event that contradicts local state, such
// as a fill for an order already in a terminal state.
type InconsistencyEvent struct {
	LocalID  string          `json:"local_id,omitempty"`
	BrokerID string          `json:"broker_id,omitempty"`
	Status   OrderStatus     `json:"status,omitempty"`
	Kind     BrokerEventKind `json:"kind"`
	Detail   string          `json:"detail"`
	At       time.Time       `json:"timestamp"`
}
