package domain

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled:
		return true
	}
	return s.IsTerminal()
}

// transitions lists every allowed edge of the order state machine. A fill on
// a partially filled order is a self edge.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusSubmitted,
		OrderStatusRejected,
	},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusRejected,
		OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusRejected,
		OrderStatusExpired,
	},
}

// CanTransition reports whether from→to is an edge of the state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
