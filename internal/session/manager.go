// Package session owns the single stateful connection to the broker: it
// connects with bounded retries, paces and serializes outbound calls,
// consumes broker events on one goroutine and reconnects with exponential
// backoff, resynchronizing order state from a broker snapshot afterwards.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"brokergate/internal/broker"
	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
	"brokergate/internal/util"
)

// snapshotAttempts bounds the retries of the post-reconnect snapshot fetch.
const snapshotAttempts = 3

// Config holds the connection parameters of a Manager.
type Config struct {
	Endpoint          broker.Endpoint
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	Backoff           util.Backoff
	MaxRetries        int
	MessagesPerSecond float64
}

// EventHandler receives order-related broker events and reconnect
// snapshots. The order tracker implements it.
type EventHandler interface {
	ApplyBrokerEvent(ev domain.BrokerEvent)
	Reconcile(snap *domain.BrokerSnapshot)
}

// Manager is the broker session. All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	gw      broker.Gateway
	handler EventHandler
	hub     *event.Hub
	metrics metrics.Sink
	log     *slog.Logger
	limiter *util.RateLimiter
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu       sync.RWMutex
	sess     domain.Session
	subs     map[string]bool
	quotes   map[string]domain.Quote
	account  *domain.AccountInfo
	abort    context.CancelFunc // cancels the running connect/reconnect loop
	loopDone chan struct{}      // closed when the running loop exits

	// emitMu keeps session events in transition order.
	emitMu sync.Mutex
	// outMu allows one outbound call in flight.
	outMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates a Manager in the Disconnected state. The event loop starts on
// the first Connect.
func New(cfg Config, gw broker.Gateway, handler EventHandler, hub *event.Hub, sink metrics.Sink, log *slog.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = event.NewHub()
	}
	return &Manager{
		cfg:     cfg,
		gw:      gw,
		handler: handler,
		hub:     hub,
		metrics: sink,
		log:     log.With("component", "session", "broker", gw.Name()),
		limiter: util.NewRateLimiter(cfg.MessagesPerSecond, 1),
		sleep:   util.Sleep,
		now:     time.Now,
		sess: domain.Session{
			State:    domain.SessionDisconnected,
			Host:     cfg.Endpoint.Host,
			Port:     cfg.Endpoint.Port,
			ClientID: cfg.Endpoint.ClientID,
		},
		subs:    make(map[string]bool),
		quotes:  make(map[string]domain.Quote),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetSleep replaces the backoff sleep, letting tests record delays instead
// of waiting.
func (m *Manager) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	m.mu.Lock()
	m.sleep = fn
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State returns the current session state.
func (m *Manager) State() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess.State
}

// Session returns a snapshot of the session.
func (m *Manager) Session() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sess
	s.Subscriptions = m.subscriptionsLocked()
	return s
}

// LastQuote returns the latest quote received for symbol.
func (m *Manager) LastQuote(symbol string) (domain.Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[strings.ToUpper(symbol)]
	return q, ok
}

// Subscribed reports whether market data for symbol is requested.
func (m *Manager) Subscribed(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[strings.ToUpper(strings.TrimSpace(symbol))]
}

// Quotes returns a copy of the latest quote per symbol.
func (m *Manager) Quotes() map[string]domain.Quote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Quote, len(m.quotes))
	for k, v := range m.quotes {
		out[k] = v
	}
	return out
}

// CachedAccount returns the last account fetched from the broker.
func (m *Manager) CachedAccount() (domain.AccountInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return domain.AccountInfo{}, false
	}
	return *m.account, true
}

func (m *Manager) subscriptionsLocked() []string {
	out := make([]string, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// transition moves the session to next and publishes the change. It is a
// no-op when the state is unchanged and no error is reported.
func (m *Manager) transition(next domain.SessionState, attempt int, cause error, fatal bool) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	prev := m.sess.State
	if prev == next && cause == nil {
		m.mu.Unlock()
		return
	}
	m.sess.State = next
	m.sess.ConnectAttempts = attempt
	if cause != nil {
		m.sess.LastError = cause.Error()
	}
	if next == domain.SessionConnected {
		m.sess.ConnectedAt = m.now()
		m.sess.LastError = ""
	}
	now := m.now()
	m.mu.Unlock()

	ev := domain.SessionEvent{Previous: prev, Current: next, Attempt: attempt, Fatal: fatal, At: now}
	if cause != nil {
		ev.Err = cause.Error()
	}
	attrs := []any{"from", prev, "to", next, "attempt", attempt}
	switch {
	case fatal:
		m.log.Error("broker session failed", append(attrs, "error", ev.Err)...)
		m.metrics.Incr(metrics.SessionFailures, 1)
	case cause != nil:
		m.log.Warn("broker session state changed", append(attrs, "error", ev.Err)...)
	default:
		m.log.Info("broker session state changed", attrs...)
	}
	m.metrics.Incr(metrics.SessionTransitions, 1, "state", string(next))
	m.hub.Session.Publish(ev)
}

// ---------------------------------------------------------------------------
// Connect / Disconnect
// ---------------------------------------------------------------------------

// Connect opens the session. Transient failures are retried with the
// configured backoff up to MaxRetries times; an authentication failure is
// terminal. Either failure leaves the session Failed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.sess.State {
	case domain.SessionDisconnected, domain.SessionFailed:
	default:
		state := m.sess.State
		m.mu.Unlock()
		return fmt.Errorf("connect from %s: %w", state, domain.ErrAlreadyConnected)
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.abort = cancel
	m.loopDone = done
	m.mu.Unlock()

	m.startOnce.Do(func() { go m.eventLoop() })
	m.transition(domain.SessionConnecting, 0, nil, false)

	err := m.dial(attemptCtx, domain.SessionConnecting)
	close(done)
	cancel()
	return err
}

// dial runs the connect attempts for a session in state from. On success
// the session is Connected; otherwise it is Failed, or left untouched when
// the loop was aborted by Disconnect.
func (m *Manager) dial(ctx context.Context, from domain.SessionState) error {
	m.mu.RLock()
	sleep := m.sleep
	m.mu.RUnlock()

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := m.gw.Connect(attemptCtx, m.cfg.Endpoint)
		cancel()
		if err == nil {
			m.transition(domain.SessionConnected, attempt, nil, false)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			m.transition(domain.SessionFailed, attempt, err, true)
			return err
		}
		if attempt > m.cfg.MaxRetries {
			cerr := &domain.ConnectionError{Attempt: attempt, Err: err}
			m.transition(domain.SessionFailed, attempt, cerr, true)
			return cerr
		}

		delay := m.cfg.Backoff.Delay(attempt)
		m.log.Warn("broker connect attempt failed",
			"state", from, "attempt", attempt, "retry_in", delay, "error", err)
		m.transition(from, attempt, err, false)
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// Disconnect stops any running connect or reconnect loop and closes the
// connection. The session ends Disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	abort, done := m.abort, m.loopDone
	m.abort, m.loopDone = nil, nil
	m.mu.Unlock()

	if abort != nil {
		abort()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := m.gw.Disconnect(ctx)
	m.transition(domain.SessionDisconnected, 0, nil, false)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close disconnects and stops the event loop. The Manager cannot be reused.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		err = m.Disconnect(ctx)
		close(m.stop)
		// A loop that never started has nothing to wait for.
		m.startOnce.Do(func() { close(m.stopped) })
		select {
		case <-m.stopped:
		case <-ctx.Done():
		}
	})
	return err
}

// ---------------------------------------------------------------------------
// Reconnect
// ---------------------------------------------------------------------------

// startReconnect moves a Connected session to Reconnecting and runs the
// reconnect loop in the background.
func (m *Manager) startReconnect(reason string) {
	m.mu.Lock()
	if m.sess.State != domain.SessionConnected {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.abort = cancel
	m.loopDone = done
	m.mu.Unlock()

	m.metrics.Incr(metrics.SessionReconnects, 1)
	m.transition(domain.SessionReconnecting, 0, errors.New(reason), false)

	go func() {
		defer close(done)
		defer cancel()
		// Drop whatever is left of the old connection before dialing again.
		_ = m.gw.Disconnect(ctx)
		if err := m.dial(ctx, domain.SessionReconnecting); err != nil {
			return
		}
		m.resync(ctx)
	}()
}

// resync restores subscriptions and reconciles order state from a broker
// snapshot after a successful reconnect.
func (m *Manager) resync(ctx context.Context) {
	m.mu.RLock()
	symbols := m.subscriptionsLocked()
	m.mu.RUnlock()

	for _, sym := range symbols {
		if err := m.call(ctx, func(cctx context.Context) error { return m.gw.Subscribe(cctx, sym) }); err != nil {
			m.log.Warn("resubscribe failed", "symbol", sym, "error", err)
		}
	}

	var snap *domain.BrokerSnapshot
	err := util.Retry(ctx, snapshotAttempts, m.cfg.Backoff, nil, func() error {
		var err error
		snap, err = m.fetchSnapshot(ctx)
		return err
	})
	if err != nil {
		m.log.Error("reconnect snapshot failed, local order state may be stale", "error", err)
		return
	}

	if m.handler != nil {
		m.handler.Reconcile(snap)
	}
	m.log.Info("resynchronized after reconnect",
		"orders", len(snap.Orders), "executions", len(snap.Executions),
		"positions", len(snap.Positions), "subscriptions", len(symbols))
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (m *Manager) eventLoop() {
	defer close(m.stopped)
	events := m.gw.Events()
	for {
		select {
		case <-m.stop:
			return
		case ev := <-events:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev domain.BrokerEvent) {
	m.metrics.Incr(metrics.BrokerEvents, 1, "kind", string(ev.Kind))

	switch ev.Kind {
	case domain.EventDisconnection:
		m.log.Warn("broker connection lost", "reason", ev.Reason)
		m.startReconnect(ev.Reason)

	case domain.EventError:
		m.handleError(ev)

	case domain.EventQuote:
		if ev.Quote == nil {
			return
		}
		q := *ev.Quote
		q.Symbol = strings.ToUpper(q.Symbol)
		m.mu.Lock()
		m.quotes[q.Symbol] = q
		m.mu.Unlock()

	default:
		if m.handler != nil {
			m.handler.ApplyBrokerEvent(ev)
		}
	}
}

// handleError routes a broker protocol error: authentication failures end
// the session, order-scoped errors reject the order, anything else is
// treated as a broken connection.
func (m *Manager) handleError(ev domain.BrokerEvent) {
	perr := ev.Err
	if perr == nil {
		return
	}
	m.metrics.Incr(metrics.BrokerErrors, 1, "category", perr.Category())

	switch {
	case perr.Auth:
		m.mu.Lock()
		abort := m.abort
		m.mu.Unlock()
		if abort != nil {
			abort()
		}
		dctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
		if err := m.gw.Disconnect(dctx); err != nil {
			m.log.Warn("disconnect after authentication failure", "error", err)
		}
		cancel()
		m.transition(domain.SessionFailed, 0, &domain.AuthenticationError{Err: perr}, true)
	case perr.OrderScoped || perr.LocalID != "" || perr.BrokerID != "":
		m.log.Warn("broker rejected order", "local_id", perr.LocalID, "broker_id", perr.BrokerID,
			"code", perr.Code, "message", perr.Message)
		if m.handler != nil {
			reason := fmt.Sprintf("%d: %s", perr.Code, perr.Message)
			m.handler.ApplyBrokerEvent(domain.RejectionEvent(perr.LocalID, perr.BrokerID, reason, ev.At))
		}
	default:
		m.log.Warn("broker connection error", "code", perr.Code, "category", perr.Category(), "message", perr.Message)
		m.startReconnect(perr.Error())
	}
}

// ---------------------------------------------------------------------------
// Outbound calls
// ---------------------------------------------------------------------------

// call serializes, paces and time-bounds one outbound gateway call.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", domain.ErrUnknownOutcome, err)
	}
	return err
}

func (m *Manager) requireConnected() error {
	if m.State() != domain.SessionConnected {
		return domain.ErrNotConnected
	}
	return nil
}

// Submit hands an order to the broker. It fails immediately unless the
// session is Connected. A timeout yields an error wrapping
// domain.ErrUnknownOutcome; the order's fate is then settled by the next
// reconcile.
func (m *Manager) Submit(ctx context.Context, o *domain.Order) (*domain.BrokerAck, error) {
	if err := m.requireConnected(); err != nil {
		return nil, &domain.SubmissionError{LocalID: o.LocalID, Err: err}
	}
	var ack *domain.BrokerAck
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		ack, err = m.gw.SubmitOrder(cctx, o)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOutcome) {
			m.metrics.Incr(metrics.OrdersUnknown, 1)
		}
		return nil, &domain.SubmissionError{LocalID: o.LocalID, Err: err}
	}
	m.metrics.Incr(metrics.OrdersSubmitted, 1)
	return ack, nil
}

// Cancel asks the broker to cancel an order by broker ID.
func (m *Manager) Cancel(ctx context.Context, localID, brokerID string) error {
	if err := m.requireConnected(); err != nil {
		return &domain.CancellationError{LocalID: localID, BrokerID: brokerID, Err: err}
	}
	err := m.call(ctx, func(cctx context.Context) error { return m.gw.CancelOrder(cctx, brokerID) })
	if err != nil {
		return &domain.CancellationError{LocalID: localID, BrokerID: brokerID, Err: err}
	}
	return nil
}

// Subscribe starts market data for symbol and remembers it for
// resubscription after a reconnect.
func (m *Manager) Subscribe(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := m.requireConnected(); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	if err := m.call(ctx, func(cctx context.Context) error { return m.gw.Subscribe(cctx, symbol) }); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	m.mu.Lock()
	m.subs[symbol] = true
	m.mu.Unlock()
	return nil
}

// Unsubscribe stops market data for symbol.
func (m *Manager) Unsubscribe(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	m.mu.Lock()
	delete(m.subs, symbol)
	delete(m.quotes, symbol)
	m.mu.Unlock()
	if err := m.requireConnected(); err != nil {
		return nil
	}
	if err := m.call(ctx, func(cctx context.Context) error { return m.gw.Unsubscribe(cctx, symbol) }); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", symbol, err)
	}
	return nil
}

// Positions fetches positions from the broker.
func (m *Manager) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := m.requireConnected(); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	var out []domain.Position
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		out, err = m.gw.GetPositions(cctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return out, nil
}

// Snapshot fetches the broker's view of orders, executions, positions and
// the account. The account is cached.
func (m *Manager) Snapshot(ctx context.Context) (*domain.BrokerSnapshot, error) {
	if err := m.requireConnected(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	snap, err := m.fetchSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

func (m *Manager) fetchSnapshot(ctx context.Context) (*domain.BrokerSnapshot, error) {
	var snap *domain.BrokerSnapshot
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		snap, err = m.gw.Snapshot(cctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if snap.Account != nil {
		a := *snap.Account
		m.mu.Lock()
		m.account = &a
		m.mu.Unlock()
	}
	return snap, nil
}

// Account fetches the account from the broker and caches it.
func (m *Manager) Account(ctx context.Context) (domain.AccountInfo, error) {
	if err := m.requireConnected(); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("account: %w", err)
	}
	var acct *domain.AccountInfo
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		acct, err = m.gw.GetAccount(cctx)
		return err
	})
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("account: %w", err)
	}
	a := *acct
	m.mu.Lock()
	m.account = &a
	m.mu.Unlock()
	return a, nil
}
