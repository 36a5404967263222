package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokergate/internal/domain"
)

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets", "iex", 8)
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(8)
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Host: "127.0.0.1", Port: 4002}
	if got := ep.String(); got != "127.0.0.1:4002" {
		t.Errorf("Endpoint.String() = %q, want %q", got, "127.0.0.1:4002")
	}
}

func newOrder(localID string, qty int64) *domain.Order {
	return domain.NewOrder(localID, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: qty,
	}, time.Now())
}

func TestSimulatorConnectFaults(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(8)

	b.FailConnects(2)
	require.Error(t, b.Connect(ctx, Endpoint{}))
	require.Error(t, b.Connect(ctx, Endpoint{}))
	require.NoError(t, b.Connect(ctx, Endpoint{}))
	assert.Equal(t, 3, b.ConnectCalls())
	assert.True(t, b.Connected())

	b.FailAuth(true)
	err := b.Connect(ctx, Endpoint{})
	var authErr *domain.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestSimulatorSubmitRequiresConnection(t *testing.T) {
	b := NewSimulatorBroker(8)
	_, err := b.SubmitOrder(context.Background(), newOrder("L1", 10))
	require.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestSimulatorFillLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(8)
	require.NoError(t, b.Connect(ctx, Endpoint{}))

	ack, err := b.SubmitOrder(ctx, newOrder("L1", 10))
	require.NoError(t, err)
	assert.Equal(t, "L1", ack.LocalID)
	assert.NotEmpty(t, ack.BrokerID)

	_, err = b.Fill(ack.BrokerID, 4, decimal.NewFromInt(100))
	require.NoError(t, err)
	ev := <-b.Events()
	assert.Equal(t, domain.EventFill, ev.Kind)
	assert.Equal(t, "L1", ev.LocalID)
	assert.Equal(t, int64(4), ev.Fill.Shares)

	_, err = b.Fill(ack.BrokerID, 7, decimal.NewFromInt(100))
	require.Error(t, err, "overfill must be refused")

	// Fills while disconnected are held for the snapshot.
	b.DropConnection("socket closed")
	ev = <-b.Events()
	assert.Equal(t, domain.EventDisconnection, ev.Kind)
	_, err = b.Fill(ack.BrokerID, 6, decimal.NewFromInt(102))
	require.NoError(t, err)
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event while disconnected: %+v", ev)
	default:
	}

	require.NoError(t, b.Connect(ctx, Endpoint{}))
	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, domain.OrderStatusFilled, snap.Orders[0].Status)
	assert.Equal(t, int64(10), snap.Orders[0].FilledQty)
	assert.True(t, snap.Orders[0].AvgFillPrice.Equal(decimal.RequireFromString("101.2")), "avg = %s", snap.Orders[0].AvgFillPrice)
	assert.Len(t, snap.Executions, 2)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, int64(10), snap.Positions[0].Qty)
}

func TestSimulatorCancel(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(8)
	require.NoError(t, b.Connect(ctx, Endpoint{}))
	ack, err := b.SubmitOrder(ctx, newOrder("L1", 10))
	require.NoError(t, err)

	require.NoError(t, b.CancelOrder(ctx, ack.BrokerID))
	ev := <-b.Events()
	assert.Equal(t, domain.EventStatusChange, ev.Kind)
	assert.Equal(t, domain.OrderStatusCancelled, ev.Status)

	require.ErrorIs(t, b.CancelOrder(ctx, ack.BrokerID), domain.ErrOrderTerminal)
	require.ErrorIs(t, b.CancelOrder(ctx, "nope"), domain.ErrOrderNotFound)
}

func TestSimulatorSubmitDelayHonoursContext(t *testing.T) {
	b := NewSimulatorBroker(8)
	require.NoError(t, b.Connect(context.Background(), Endpoint{}))
	b.SetSubmitDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.SubmitOrder(ctx, newOrder("L1", 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	snap, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Orders, 1, "the broker still received the order")
}

func TestSimulatorDropSubmits(t *testing.T) {
	b := NewSimulatorBroker(8)
	require.NoError(t, b.Connect(context.Background(), Endpoint{}))
	b.DropSubmits(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.SubmitOrder(ctx, newOrder("L1", 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ack, err := b.SubmitOrder(context.Background(), newOrder("L2", 1))
	require.NoError(t, err)
	assert.Equal(t, "SIM-1", ack.BrokerID)

	calls := 0
	b.SetSnapshotHook(func(context.Context) { calls++ })
	snap, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1, "the dropped order never reached the broker")
	assert.Equal(t, "L2", snap.Orders[0].LocalID)
	assert.Equal(t, 1, calls)
}

func TestSimulatorQuotesNeedSubscription(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(8)
	require.NoError(t, b.Connect(ctx, Endpoint{}))

	b.PushQuote(domain.Quote{Symbol: "AAPL", Last: decimal.NewFromInt(1)})
	require.NoError(t, b.Subscribe(ctx, "AAPL"))
	b.PushQuote(domain.Quote{Symbol: "AAPL", Last: decimal.NewFromInt(2)})

	ev := <-b.Events()
	assert.Equal(t, domain.EventQuote, ev.Kind)
	assert.True(t, ev.Quote.Last.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, []string{"AAPL"}, b.Subscriptions())
}

func TestSimulatorShortPosition(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(8)
	require.NoError(t, b.Connect(ctx, Endpoint{}))
	o := newOrder("S1", 5)
	o.Side = domain.OrderSideSell
	b.SetAutoFill(decimal.NewFromInt(50))
	_, err := b.SubmitOrder(ctx, o)
	require.NoError(t, err)

	pos, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, int64(-5), pos[0].Qty)
	assert.Equal(t, domain.PositionSideShort, pos[0].Side)
	assert.True(t, pos[0].AvgCost.Equal(decimal.NewFromInt(50)))
}

func TestTradeUpdateEvent(t *testing.T) {
	now := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	qty := decimal.NewFromInt(3)
	px := decimal.RequireFromString("187.25")
	orderQty := decimal.NewFromInt(10)
	order := alpaca.Order{ID: "B1", ClientOrderID: "L1", Symbol: "AAPL", Side: alpaca.Buy, Qty: &orderQty}

	tests := []struct {
		event    string
		wantKind domain.BrokerEventKind
		wantOK   bool
	}{
		{"new", domain.EventAck, true},
		{"partial_fill", domain.EventFill, true},
		{"fill", domain.EventFill, true},
		{"canceled", domain.EventStatusChange, true},
		{"expired", domain.EventStatusChange, true},
		{"rejected", domain.EventRejection, true},
		{"pending_cancel", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			ev, ok := tradeUpdateEvent(alpaca.TradeUpdate{
				At: now, Event: tt.event, ExecutionID: "E1", Order: order, Qty: &qty, Price: &px,
			})
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if ev.LocalID != "L1" || ev.BrokerID != "B1" {
				t.Errorf("ids = %q/%q, want L1/B1", ev.LocalID, ev.BrokerID)
			}
			if ev.Kind == domain.EventFill && (ev.Fill.Shares != 3 || !ev.Fill.Price.Equal(px)) {
				t.Errorf("fill = %+v", ev.Fill)
			}
			if ev.Kind == domain.EventFill && ev.OrderQty != 10 {
				t.Errorf("OrderQty = %d, want 10", ev.OrderQty)
			}
		})
	}
}

func TestAlpacaStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusSubmitted,
		"accepted":         domain.OrderStatusSubmitted,
		"partially_filled": domain.OrderStatusPartiallyFilled,
		"filled":           domain.OrderStatusFilled,
		"canceled":         domain.OrderStatusCancelled,
		"expired":          domain.OrderStatusExpired,
		"rejected":         domain.OrderStatusRejected,
	}
	for in, want := range cases {
		if got := alpacaStatus(in); got != want {
			t.Errorf("alpacaStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToPlaceOrderRequest(t *testing.T) {
	o := domain.NewOrder("L1", domain.OrderRequest{
		Symbol: "msft", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Qty: 20, LimitPrice: decimal.RequireFromString("410.10"),
	}, time.Now())
	req := toPlaceOrderRequest(o)
	assert.Equal(t, "MSFT", req.Symbol)
	assert.Equal(t, "L1", req.ClientOrderID)
	assert.Equal(t, alpaca.Sell, req.Side)
	assert.Equal(t, alpaca.Day, req.TimeInForce)
	require.NotNil(t, req.LimitPrice)
	assert.True(t, req.LimitPrice.Equal(decimal.RequireFromString("410.10")))
	assert.Nil(t, req.StopPrice)
	assert.True(t, req.Qty.Equal(decimal.NewFromInt(20)))
}

func TestToPlaceOrderRequestTrailPercent(t *testing.T) {
	o := domain.NewOrder("L2", domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeTrailingStop,
		Qty: 5, TrailPercent: decimal.NewFromFloat(2.5), TimeInForce: domain.TimeInForceGTC,
	}, time.Now())
	req := toPlaceOrderRequest(o)
	assert.Equal(t, alpaca.TrailingStop, req.Type)
	assert.Equal(t, alpaca.GTC, req.TimeInForce)
	assert.Nil(t, req.TrailPrice)
	require.NotNil(t, req.TrailPercent)
	assert.True(t, req.TrailPercent.Equal(decimal.NewFromFloat(2.5)))
}

func TestClassifyAlpacaError(t *testing.T) {
	err := classifyAlpacaError("get account", &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "forbidden"})
	var authErr *domain.AuthenticationError
	require.ErrorAs(t, err, &authErr)

	err = classifyAlpacaError("place order", errors.New("boom"))
	require.False(t, errors.As(err, &authErr))
}

// fakeQuotes stands in for the market data stream client.
type fakeQuotes struct {
	connect    func(ctx context.Context) error
	ctx        context.Context
	terminated chan error
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{terminated: make(chan error, 1)}
}

func (f *fakeQuotes) Connect(ctx context.Context) error {
	f.ctx = ctx
	if f.connect != nil {
		return f.connect(ctx)
	}
	return nil
}

func (f *fakeQuotes) Terminated() <-chan error { return f.terminated }

func (f *fakeQuotes) SubscribeToQuotes(func(stream.Quote), ...string) error { return nil }

func (f *fakeQuotes) UnsubscribeFromQuotes(...string) error { return nil }

func TestStartStreamOutlivesAttempt(t *testing.T) {
	attempt, cancel := context.WithTimeout(context.Background(), time.Second)
	q := newFakeQuotes()

	streamCtx, stop, err := startStream(attempt, q)
	require.NoError(t, err)
	defer stop()
	cancel()

	assert.NoError(t, streamCtx.Err())
	assert.NoError(t, q.ctx.Err(), "the stream must not end with the connect attempt")
	stop()
	assert.Error(t, q.ctx.Err())
}

func TestStartStreamAttemptBoundsHandshake(t *testing.T) {
	attempt, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q := newFakeQuotes()
	q.connect = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, _, err := startStream(attempt, q)
	require.ErrorIs(t, err, context.Canceled)
	assert.Error(t, q.ctx.Err())
}

// alpacaAPI serves the account endpoint and holds the trade update stream
// open until the client goes away.
func alpacaAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"ACC-1","status":"ACTIVE","currency":"USD"}`)
		case "/v2/events/trades":
			w.WriteHeader(http.StatusOK)
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAlpacaConnectKeepsStreamsAfterAttempt(t *testing.T) {
	srv := alpacaAPI(t)
	b := NewAlpacaBroker("key", "secret", srv.URL, "iex", 8)
	q := newFakeQuotes()
	b.newQuotes = func() quoteStream { return q }

	attempt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, b.Connect(attempt, Endpoint{}))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	// The session cancels the attempt as soon as Connect returns.
	cancel()

	assert.NoError(t, q.ctx.Err())
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event after connect: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Disconnect(context.Background()))
	assert.Error(t, q.ctx.Err())
	assert.Error(t, b.Subscribe(context.Background(), "AAPL"))
}

func TestAlpacaReportsStreamTermination(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "http://127.0.0.1:0", "iex", 8)
	q := newFakeQuotes()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.watch(ctx, q)
	q.terminated <- errors.New("websocket closed")

	select {
	case ev := <-b.Events():
		assert.Equal(t, domain.EventDisconnection, ev.Kind)
		assert.Equal(t, "websocket closed", ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnection reported")
	}
}

func TestAlpacaEmitStopsWithStreams(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "http://127.0.0.1:0", "iex", 1)
	done := make(chan struct{})
	ev := domain.QuoteEvent(domain.Quote{Symbol: "AAPL"})
	b.emit(done, ev) // fills the buffer

	returned := make(chan struct{})
	go func() {
		b.emit(done, ev)
		close(returned)
	}()
	close(done)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked after the streams stopped")
	}
}

func TestPageOrdersWalksUntilShortPage(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	var all []alpaca.Order
	for i := 0; i < 7; i++ {
		all = append(all, alpaca.Order{ID: fmt.Sprintf("o%d", i), SubmittedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	// Two orders share a timestamp across the first page boundary.
	all[3].SubmittedAt = all[2].SubmittedAt

	var calls []time.Time
	got, err := pageOrders(t0.Add(-time.Hour), 3, func(after time.Time) ([]alpaca.Order, error) {
		calls = append(calls, after)
		var page []alpaca.Order
		for _, o := range all {
			if o.SubmittedAt.After(after) && len(page) < 3 {
				page = append(page, o)
			}
		}
		return page, nil
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"o0", "o1", "o2", "o3", "o4", "o5", "o6"}, ids)
	assert.Greater(t, len(calls), 2)
}

func TestPageOrdersPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := pageOrders(time.Now(), 10, func(time.Time) ([]alpaca.Order, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}
