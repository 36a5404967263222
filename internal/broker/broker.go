// Package broker defines the Gateway capability interface the session
// manager drives, and provides implementations for a live brokerage and an
// in-memory simulator.
package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"brokergate/internal/domain"
)

// Endpoint addresses a brokerage gateway.
type Endpoint struct {
	Host     string
	Port     int
	ClientID string
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Gateway abstracts the brokerage connection. Implementations convert their
// SDK payloads into domain.BrokerEvent before delivering them on Events.
type Gateway interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Connect opens the connection. An *domain.AuthenticationError means
	// retrying is pointless.
	Connect(ctx context.Context, ep Endpoint) error

	// Disconnect closes the connection. It does not emit a Disconnection
	// event.
	Disconnect(ctx context.Context) error

	// SubmitOrder sends an order to the brokerage and returns the broker's
	// acknowledgement.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerAck, error)

	// CancelOrder requests cancellation of an open order by its broker ID.
	CancelOrder(ctx context.Context, brokerID string) error

	// Subscribe starts market data for symbol.
	Subscribe(ctx context.Context, symbol string) error

	// Unsubscribe stops market data for symbol.
	Unsubscribe(ctx context.Context, symbol string) error

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// Snapshot returns the broker's view of orders, executions, positions
	// and account, used to reconcile after a reconnect.
	Snapshot(ctx context.Context) (*domain.BrokerSnapshot, error)

	// Events returns the bounded channel of asynchronous broker events. It
	// is read by exactly one consumer.
	Events() <-chan domain.BrokerEvent
}

// notConnected is returned by gateway calls made before Connect.
func notConnected(op string) error {
	return fmt.Errorf("%s: %w", op, domain.ErrNotConnected)
}
