// Package engine is the application-facing core: it gates every order
// through the risk engine, records it with the order tracker, submits it
// over the broker session and keeps the daily housekeeping running.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/broker"
	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
	"brokergate/internal/risk"
	"brokergate/internal/session"
	"brokergate/internal/tracker"
	"brokergate/internal/util"
)

// Config holds the engine's collaborators' settings.
type Config struct {
	Session  session.Config
	Limits   risk.Limits
	Breaker  risk.BreakerConfig
	Calendar *util.SessionCalendar // nil disables the daily roll
	// Tick is the housekeeping interval. Defaults to one second.
	Tick time.Duration
	// ReconcileAfter is how long a submit with an unknown outcome waits for
	// the broker's ack before housekeeping reconciles it against a
	// snapshot. Defaults to five seconds.
	ReconcileAfter time.Duration
}

// FillArchiver stores a finished trading day's fills.
type FillArchiver interface {
	WriteFills(ctx context.Context, day string, fills []domain.Fill) error
}

// Engine wires the session manager, order tracker and risk engine together.
// All methods are safe for concurrent use.
type Engine struct {
	session *session.Manager
	tracker *tracker.Tracker
	risk    *risk.Engine
	hub     *event.Hub
	metrics metrics.Sink
	log     *slog.Logger

	calendar       *util.SessionCalendar
	tick           time.Duration
	reconcileAfter time.Duration
	archive        FillArchiver
	now            func() time.Time

	// subMu makes the risk decision and the tracker record one step.
	subMu sync.Mutex

	dayMu    sync.Mutex
	dayFills []domain.Fill

	groups       *groupBook
	conditionals *conditionalBook
	stopGroups   context.CancelFunc
	groupsDone   chan struct{}

	unsubs []func()
}

// Compile-time interface check.
var _ session.EventHandler = (*Engine)(nil)

// New creates an Engine talking to gw. Events are published on hub.
func New(cfg Config, gw broker.Gateway, hub *event.Hub, sink metrics.Sink, log *slog.Logger) *Engine {
	if hub == nil {
		hub = event.NewHub()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 5 * time.Second
	}

	e := &Engine{
		hub:            hub,
		metrics:        sink,
		log:            log.With("component", "engine"),
		calendar:       cfg.Calendar,
		tick:           cfg.Tick,
		reconcileAfter: cfg.ReconcileAfter,
		now:            time.Now,
		groups:         newGroupBook(),
		conditionals:   newConditionalBook(),
		groupsDone:     make(chan struct{}),
	}
	e.tracker = tracker.New(hub, sink, log)
	e.session = session.New(cfg.Session, gw, e, hub, sink, log)
	e.risk = risk.NewEngine(cfg.Limits, risk.NewBreaker(cfg.Breaker, hub, sink, log), e.session, hub, sink, log)

	e.unsubs = append(e.unsubs,
		hub.Lifecycle.Subscribe(e.risk.OnLifecycle),
		hub.Lifecycle.Subscribe(e.collectFill),
		hub.Lifecycle.Subscribe(e.noteGroupOrder),
	)

	var gctx context.Context
	gctx, e.stopGroups = context.WithCancel(context.Background())
	go e.runGroups(gctx)
	return e
}

// SetArchive sets where fills go at the end of each trading day.
func (e *Engine) SetArchive(a FillArchiver) { e.archive = a }

// SetClock replaces the time source of the engine and its components.
// Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.tracker.SetClock(now)
	e.risk.SetClock(now)
}

// Session returns the broker session manager.
func (e *Engine) Session() *session.Manager { return e.session }

// Tracker returns the order tracker.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Risk returns the risk engine.
func (e *Engine) Risk() *risk.Engine { return e.risk }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start connects to the broker and seeds positions and the account.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.session.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	positions, err := e.session.Positions(ctx)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}
	e.risk.SeedPositions(positions)
	if _, err := e.session.Account(ctx); err != nil {
		e.log.Warn("account fetch failed", "error", err)
	}
	return nil
}

// Close stops group management, disconnects from the broker and stops the
// session.
func (e *Engine) Close() error {
	e.stopGroups()
	<-e.groupsDone
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	return e.session.Close()
}

// ApplyBrokerEvent forwards an order event from the session to the tracker.
func (e *Engine) ApplyBrokerEvent(ev domain.BrokerEvent) {
	e.tracker.ApplyBrokerEvent(ev)
}

// Reconcile merges a reconnect snapshot into the tracker and re-seeds risk
// positions from it.
func (e *Engine) Reconcile(snap *domain.BrokerSnapshot) {
	e.tracker.Reconcile(snap)
	e.risk.SeedPositions(snap.Positions)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder validates req, runs the pre-trade checks and submits the order.
// The error is a *domain.RiskRejection or *domain.CircuitOpenError when risk
// refuses it and a *domain.SubmissionError when the broker call fails. A
// submission error wrapping domain.ErrUnknownOutcome leaves the order Pending
// until its ack arrives or a reconcile settles it; housekeeping schedules
// one once ReconcileAfter has passed.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAccepted, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	if st := e.session.State(); st != domain.SessionConnected {
		return nil, &domain.SubmissionError{Err: fmt.Errorf("session %s: %w", st, domain.ErrNotConnected)}
	}
	account := e.account(ctx)

	o := domain.NewOrder(uuid.NewString(), req, e.now())
	e.subMu.Lock()
	d := e.risk.Evaluate(o, e.risk.Positions(), account)
	if !d.Approved {
		e.subMu.Unlock()
		e.riskRejected(o, d)
		return nil, d.Err()
	}
	e.tracker.RecordSubmission(o)
	e.subMu.Unlock()

	ack, err := e.session.Submit(ctx, o)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOutcome) {
			if merr := e.tracker.MarkUnresolved(o.LocalID); merr != nil {
				e.log.Warn("could not flag unresolved submission", "local_id", o.LocalID, "error", merr)
			}
			e.log.Warn("submit outcome unknown, awaiting reconcile", "local_id", o.LocalID, "symbol", o.Symbol, "error", err)
			return nil, err
		}
		if merr := e.tracker.MarkRejected(o.LocalID, tracker.ReasonSubmitFailed); merr != nil {
			e.log.Warn("could not reject failed submission", "local_id", o.LocalID, "error", merr)
		}
		e.log.Error("submit failed", "local_id", o.LocalID, "symbol", o.Symbol, "error", err)
		return nil, err
	}

	if ack.LocalID == "" {
		ack.LocalID = o.LocalID
	}
	e.tracker.ApplyAck(*ack)
	status := domain.OrderStatusSubmitted
	if cur, ok := e.tracker.Get(o.LocalID); ok {
		status = cur.Status
	}
	e.log.Info("order submitted", "local_id", o.LocalID, "broker_id", ack.BrokerID,
		"symbol", o.Symbol, "side", o.Side, "qty", o.Qty, "type", o.Type)
	return &domain.OrderAccepted{
		LocalID:  o.LocalID,
		BrokerID: ack.BrokerID,
		Status:   status,
		Warnings: d.Warnings,
	}, nil
}

// Preview runs the pre-trade checks for req without reserving capacity or
// submitting anything.
func (e *Engine) Preview(ctx context.Context, req domain.OrderRequest) (risk.Decision, error) {
	if err := req.Validate(); err != nil {
		return risk.Decision{}, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	o := domain.NewOrder("preview", req, e.now())
	return e.risk.Assess(o, e.risk.Positions(), e.account(ctx)), nil
}

func (e *Engine) riskRejected(o *domain.Order, d risk.Decision) {
	rules := make([]string, len(d.Reasons))
	for i, v := range d.Reasons {
		rules[i] = string(v.Rule)
	}
	e.log.Warn("order rejected by risk", "local_id", o.LocalID, "symbol", o.Symbol,
		"side", o.Side, "qty", o.Qty, "rules", rules)
	e.hub.Risk.Publish(domain.RiskRejectionEvent{
		LocalID: o.LocalID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     o.Qty,
		Reasons: d.Reasons,
		At:      e.now(),
	})
}

// account returns the cached broker account, fetching it when none is
// cached. An unavailable account values to zero, which fails the leverage
// check when one is configured.
func (e *Engine) account(ctx context.Context) domain.AccountInfo {
	if a, ok := e.session.CachedAccount(); ok {
		return a
	}
	a, err := e.session.Account(ctx)
	if err != nil {
		e.log.Warn("account unavailable for risk checks", "error", err)
	}
	return a
}

// CancelOrder asks the broker to cancel localID. The order moves to
// Cancelled when the broker confirms.
func (e *Engine) CancelOrder(ctx context.Context, localID string) error {
	o, ok := e.tracker.Query(localID)
	if !ok {
		return fmt.Errorf("cancel %s: %w", localID, domain.ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		return &domain.CancellationError{LocalID: o.LocalID, BrokerID: o.BrokerID, Err: domain.ErrOrderTerminal}
	}
	if o.BrokerID == "" {
		return &domain.CancellationError{LocalID: o.LocalID, Err: domain.ErrNotAcknowledged}
	}
	return e.session.Cancel(ctx, o.LocalID, o.BrokerID)
}

// GetOrder returns the order with the given local or broker ID.
func (e *Engine) GetOrder(id string) (domain.Order, bool) {
	return e.tracker.Query(id)
}

// GetOpenOrders returns every non-terminal order, oldest first.
func (e *Engine) GetOpenOrders() []domain.Order {
	return e.tracker.ListOpen()
}

// ListOrders returns orders in any of statuses, or all orders when none are
// given.
func (e *Engine) ListOrders(statuses ...domain.OrderStatus) []domain.Order {
	return e.tracker.List(statuses...)
}

// GetPositions returns current positions marked to the last quotes.
func (e *Engine) GetPositions() map[string]domain.Position {
	return e.risk.Positions()
}

// GetPosition returns the position in symbol, if any.
func (e *Engine) GetPosition(symbol string) (domain.Position, bool) {
	p, ok := e.risk.Positions()[strings.ToUpper(strings.TrimSpace(symbol))]
	return p, ok
}

// Account returns the broker account: fetched fresh while connected, else
// the last cached copy.
func (e *Engine) Account(ctx context.Context) (domain.AccountInfo, error) {
	if e.session.State() == domain.SessionConnected {
		a, err := e.session.Account(ctx)
		if err == nil {
			return a, nil
		}
		e.log.Warn("account fetch failed, serving cached copy", "error", err)
	}
	if a, ok := e.session.CachedAccount(); ok {
		return a, nil
	}
	return domain.AccountInfo{}, fmt.Errorf("account: %w", domain.ErrNotConnected)
}

// ---------------------------------------------------------------------------
// Breaker, market data and session
// ---------------------------------------------------------------------------

// ResetBreaker closes the circuit breaker on behalf of operator.
func (e *Engine) ResetBreaker(operator string) {
	e.risk.Breaker().Reset(operator)
}

// BreakerState returns the circuit breaker state.
func (e *Engine) BreakerState() domain.BreakerState {
	return e.risk.Breaker().State()
}

// Subscribe starts market data for symbol.
func (e *Engine) Subscribe(ctx context.Context, symbol string) error {
	return e.session.Subscribe(ctx, symbol)
}

// Unsubscribe stops market data for symbol.
func (e *Engine) Unsubscribe(ctx context.Context, symbol string) error {
	return e.session.Unsubscribe(ctx, symbol)
}

// SessionState returns the broker session state.
func (e *Engine) SessionState() domain.SessionState {
	return e.session.State()
}

// SessionInfo returns a copy of the broker session.
func (e *Engine) SessionInfo() domain.Session {
	return e.session.Session()
}

// ---------------------------------------------------------------------------
// Housekeeping
// ---------------------------------------------------------------------------

// Run is the housekeeping loop. Each tick it expires orders past their
// local deadline, reconciles submits whose outcome stayed unknown, checks
// conditional orders and re-examines active order groups. At each session
// boundary it archives the day's fills and resets daily risk state. It
// returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	var boundary time.Time
	if e.calendar != nil {
		boundary = e.calendar.NextBoundary(e.now())
		e.log.Info("daily roll scheduled", "at", boundary)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			boundary = e.housekeep(ctx, boundary)
		}
	}
}

// housekeep runs one pass and returns the next session boundary.
func (e *Engine) housekeep(ctx context.Context, boundary time.Time) time.Time {
	now := e.now()
	for _, o := range e.tracker.ExpireDue(now) {
		e.log.Info("order expired locally", "local_id", o.LocalID, "expires_at", o.ExpiresAt)
		if o.BrokerID == "" {
			continue
		}
		if err := e.session.Cancel(ctx, o.LocalID, o.BrokerID); err != nil {
			e.log.Warn("cancel of expired order failed", "local_id", o.LocalID, "error", err)
		}
	}
	e.reconcileUnresolved(ctx, now)
	e.CheckConditionals(ctx)
	e.groups.enqueueActive()

	if boundary.IsZero() || now.Before(boundary) {
		return boundary
	}
	e.roll(ctx, e.calendar.SessionDate(boundary.Add(-time.Nanosecond)))
	return e.calendar.NextBoundary(now)
}

// reconcileUnresolved settles orders whose submit outcome is still unknown
// after the grace period against a fresh broker snapshot.
func (e *Engine) reconcileUnresolved(ctx context.Context, now time.Time) {
	ids := e.tracker.Unresolved(now.Add(-e.reconcileAfter))
	if len(ids) == 0 || e.session.State() != domain.SessionConnected {
		return
	}
	snap, err := e.session.Snapshot(ctx)
	if err != nil {
		e.log.Warn("snapshot for unresolved orders failed", "orders", len(ids), "error", err)
		return
	}
	e.log.Info("reconciling orders with unknown submit outcome", "orders", len(ids), "first", ids[0])
	e.Reconcile(snap)
}

// roll closes trading day day.
func (e *Engine) roll(ctx context.Context, day string) {
	e.dayMu.Lock()
	fills := e.dayFills
	e.dayFills = nil
	e.dayMu.Unlock()

	if e.archive != nil && len(fills) > 0 {
		if err := e.archive.WriteFills(ctx, day, fills); err != nil {
			e.log.Error("archiving fills failed", "day", day, "fills", len(fills), "error", err)
		}
	}
	e.risk.ResetSession()
	e.log.Info("trading day closed", "day", day, "fills", len(fills))
}

func (e *Engine) collectFill(ev domain.LifecycleEvent) {
	if ev.Fill == nil {
		return
	}
	e.dayMu.Lock()
	e.dayFills = append(e.dayFills, *ev.Fill)
	e.dayMu.Unlock()
}
