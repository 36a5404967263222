package tracker

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokergate/internal/domain"
	"brokergate/internal/event"
	"brokergate/internal/metrics"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	lifecycle []domain.LifecycleEvent
	incons    []domain.InconsistencyEvent
}

func newTracker(t *testing.T) (*Tracker, *recorder) {
	t.Helper()
	hub := event.NewHub()
	rec := &recorder{}
	hub.Lifecycle.Subscribe(func(ev domain.LifecycleEvent) {
		rec.mu.Lock()
		rec.lifecycle = append(rec.lifecycle, ev)
		rec.mu.Unlock()
	})
	hub.Inconsistency.Subscribe(func(ev domain.InconsistencyEvent) {
		rec.mu.Lock()
		rec.incons = append(rec.incons, ev)
		rec.mu.Unlock()
	})
	tr := New(hub, metrics.NewCounters(), nil)
	tr.SetClock(func() time.Time { return t0 })
	return tr, rec
}

func submit(tr *Tracker, localID string, qty int64) {
	tr.RecordSubmission(domain.NewOrder(localID, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: qty,
	}, t0))
}

func fill(localID, brokerID, execID string, shares int64, price string) domain.BrokerEvent {
	return domain.FillEvent(domain.Fill{
		OrderLocalID: localID, BrokerID: brokerID, ExecutionID: execID,
		Symbol: "AAPL", Side: domain.OrderSideBuy, Shares: shares,
		Price: decimal.RequireFromString(price), Timestamp: t0,
	})
}

func TestRecordSubmissionAssignsID(t *testing.T) {
	tr, rec := newTracker(t)
	id := tr.RecordSubmission(&domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 1})
	require.NotEmpty(t, id)

	o, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Equal(t, uint64(1), o.Version)
	require.Len(t, rec.lifecycle, 1)
	assert.Equal(t, domain.OrderStatusPending, rec.lifecycle[0].New)
}

func TestLifecycleHappyPath(t *testing.T) {
	tr, rec := newTracker(t)
	submit(tr, "L1", 10)

	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1", At: t0})
	tr.ApplyBrokerEvent(fill("L1", "B1", "E1", 4, "100"))
	tr.ApplyBrokerEvent(fill("L1", "B1", "E2", 6, "101"))

	o, ok := tr.Query("B1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, int64(10), o.FilledQty)
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("100.6")), "avg = %s", o.AvgFillPrice)
	assert.Len(t, o.Fills, 2)

	var statuses []domain.OrderStatus
	var versions []uint64
	for _, ev := range rec.lifecycle {
		statuses = append(statuses, ev.New)
		versions = append(versions, ev.Version)
	}
	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusPending, domain.OrderStatusSubmitted,
		domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled,
	}, statuses)
	assert.Equal(t, []uint64{1, 2, 3, 4}, versions)
	assert.Empty(t, tr.ListOpen())
}

func TestDuplicateFillAppliedOnce(t *testing.T) {
	tr, rec := newTracker(t)
	submit(tr, "L1", 10)
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})

	ev := fill("L1", "B1", "E1", 4, "100")
	for i := 0; i < 3; i++ {
		tr.ApplyBrokerEvent(ev)
	}

	o, _ := tr.Get("L1")
	assert.Equal(t, int64(4), o.FilledQty)
	assert.Len(t, o.Fills, 1)
	assert.Len(t, rec.lifecycle, 3, "pending, submitted, one partial fill")
	assert.Empty(t, rec.incons)
}

func TestFillBeforeAckImpliesAck(t *testing.T) {
	tr, _ := newTracker(t)
	submit(tr, "L1", 10)

	tr.ApplyBrokerEvent(fill("L1", "B1", "E1", 10, "50"))
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})

	o, _ := tr.Get("L1")
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, "B1", o.BrokerID)
	_, ok := tr.GetByBrokerID("B1")
	assert.True(t, ok)
}

func TestOverfillIsClamped(t *testing.T) {
	tr, rec := newTracker(t)
	submit(tr, "L1", 10)
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})

	tr.ApplyBrokerEvent(fill("L1", "B1", "E1", 8, "10"))
	tr.ApplyBrokerEvent(fill("L1", "B1", "E2", 5, "10"))

	o, _ := tr.Get("L1")
	assert.Equal(t, int64(10), o.FilledQty)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	require.Len(t, rec.incons, 1)
	assert.Contains(t, rec.incons[0].Detail, "overfill")
}

func TestEventForTerminalOrderIsInconsistency(t *testing.T) {
	tr, rec := newTracker(t)
	submit(tr, "L1", 10)
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})
	tr.ApplyBrokerEvent(domain.StatusEvent("L1", "B1", domain.OrderStatusCancelled, "", t0))

	// A repeat of the same terminal status is a harmless duplicate.
	tr.ApplyBrokerEvent(domain.StatusEvent("L1", "B1", domain.OrderStatusCancelled, "", t0))
	assert.Empty(t, rec.incons)

	tr.ApplyBrokerEvent(fill("L1", "B1", "E1", 1, "10"))
	tr.ApplyBrokerEvent(domain.RejectionEvent("L1", "B1", "late", t0))

	o, _ := tr.Get("L1")
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)
	assert.Equal(t, int64(0), o.FilledQty)
	require.Len(t, rec.incons, 2)
	assert.Equal(t, domain.EventFill, rec.incons[0].Kind)
	assert.Equal(t, domain.EventRejection, rec.incons[1].Kind)
}

func TestRejectionFromPending(t *testing.T) {
	tr, _ := newTracker(t)
	submit(tr, "L1", 10)
	tr.ApplyBrokerEvent(domain.RejectionEvent("L1", "", "201: insufficient margin", t0))

	o, _ := tr.Get("L1")
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, "201: insufficient margin", o.RejectReason)
}

func TestMarkRejected(t *testing.T) {
	tr, rec := newTracker(t)
	submit(tr, "L1", 10)
	require.NoError(t, tr.MarkRejected("L1", ReasonSubmitFailed))
	require.ErrorIs(t, tr.MarkRejected("L1", ReasonSubmitFailed), domain.ErrOrderTerminal)
	require.ErrorIs(t, tr.MarkRejected("nope", ReasonSubmitFailed), domain.ErrOrderNotFound)

	// An ack arriving after a reported failure is flagged.
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})
	require.Len(t, rec.incons, 1)
}

func TestUnknownBrokerOrderIsSynthetic(t *testing.T) {
	tr, rec := newTracker(t)
	tr.ApplyBrokerEvent(fill("", "B9", "E1", 5, "20"))

	o, ok := tr.GetByBrokerID("B9")
	require.True(t, ok)
	assert.True(t, o.Synthetic)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status, "an order of unknown size is never complete")
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, int64(5), o.FilledQty)
	assert.Empty(t, rec.incons)

	// Without any id there is nothing to attach to.
	tr.ApplyBrokerEvent(domain.StatusEvent("", "", domain.OrderStatusCancelled, "", t0))
	assert.Len(t, rec.incons, 1)
}

func TestSyntheticOrderAppliesEveryFill(t *testing.T) {
	tr, rec := newTracker(t)
	tr.ApplyBrokerEvent(fill("", "B9", "E1", 30, "20"))
	tr.ApplyBrokerEvent(fill("", "B9", "E2", 30, "22"))

	o, _ := tr.GetByBrokerID("B9")
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, int64(60), o.FilledQty)
	assert.Len(t, o.Fills, 2)
	assert.True(t, o.AvgFillPrice.Equal(decimal.NewFromInt(21)), "avg = %s", o.AvgFillPrice)
	assert.Empty(t, rec.incons)

	// The broker's order quantity settles the size.
	ev := fill("", "B9", "E3", 40, "21")
	ev.OrderQty = 100
	tr.ApplyBrokerEvent(ev)
	o, _ = tr.GetByBrokerID("B9")
	assert.Equal(t, int64(100), o.Qty)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Empty(t, rec.incons)
}

func TestSyntheticOrderWithBrokerQuantity(t *testing.T) {
	tr, rec := newTracker(t)
	ev := fill("", "B8", "E1", 30, "20")
	ev.OrderQty = 60
	tr.ApplyBrokerEvent(ev)

	o, _ := tr.GetByBrokerID("B8")
	assert.Equal(t, int64(60), o.Qty)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)

	tr.ApplyBrokerEvent(fill("", "B8", "E2", 30, "20"))
	o, _ = tr.GetByBrokerID("B8")
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, int64(60), o.FilledQty)
	assert.Empty(t, rec.incons)
}

func TestOpenSizedOrderCompletesOnReconcile(t *testing.T) {
	tr, _ := newTracker(t)
	tr.ApplyBrokerEvent(fill("", "B9", "E1", 30, "20"))
	tr.ApplyBrokerEvent(fill("", "B9", "E2", 30, "20"))

	tr.Reconcile(&domain.BrokerSnapshot{
		Orders: []domain.BrokerOrderState{{
			BrokerID: "B9", Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 60,
			Status: domain.OrderStatusFilled, FilledQty: 60, AvgFillPrice: decimal.NewFromInt(20),
		}},
		TakenAt: t0.Add(time.Minute),
	})

	o, _ := tr.GetByBrokerID("B9")
	assert.Equal(t, int64(60), o.Qty)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Len(t, o.Fills, 2)
}

func TestMarkUnresolved(t *testing.T) {
	tr, _ := newTracker(t)
	submit(tr, "L1", 10)
	submit(tr, "L2", 10)
	require.ErrorIs(t, tr.MarkUnresolved("nope"), domain.ErrOrderNotFound)

	require.NoError(t, tr.MarkUnresolved("L1"))
	require.NoError(t, tr.MarkUnresolved("L2"))
	assert.Equal(t, []string{"L1", "L2"}, tr.Unresolved(t0))
	assert.Empty(t, tr.Unresolved(t0.Add(-time.Second)))

	// Leaving Pending clears the flag.
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})
	assert.Equal(t, []string{"L2"}, tr.Unresolved(t0))

	// An order already settled is not flagged.
	require.NoError(t, tr.MarkUnresolved("L1"))
	assert.Equal(t, []string{"L2"}, tr.Unresolved(t0))
}

func TestBackwardTransitionIgnored(t *testing.T) {
	tr, _ := newTracker(t)
	submit(tr, "L1", 10)
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})
	tr.ApplyBrokerEvent(fill("L1", "B1", "E1", 3, "10"))

	tr.ApplyBrokerEvent(domain.StatusEvent("L1", "B1", domain.OrderStatusSubmitted, "", t0))
	tr.ApplyBrokerEvent(domain.StatusEvent("L1", "B1", domain.OrderStatusPending, "", t0))

	o, _ := tr.Get("L1")
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
}

func TestExpireDue(t *testing.T) {
	tr, _ := newTracker(t)
	req := domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1, ExpiresAt: t0.Add(time.Minute)}
	tr.RecordSubmission(domain.NewOrder("L1", req, t0))
	tr.RecordSubmission(domain.NewOrder("L2", req, t0))
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})

	assert.Empty(t, tr.ExpireDue(t0))
	expired := tr.ExpireDue(t0.Add(time.Minute))
	require.Len(t, expired, 1, "pending orders are not expired locally")
	assert.Equal(t, "L1", expired[0].LocalID)
	assert.Equal(t, domain.OrderStatusExpired, expired[0].Status)
}

func TestListOpenCreationOrder(t *testing.T) {
	tr, _ := newTracker(t)
	for _, id := range []string{"c", "a", "b"} {
		submit(tr, id, 1)
	}
	require.NoError(t, tr.MarkRejected("a", "x"))

	open := tr.ListOpen()
	require.Len(t, open, 2)
	assert.Equal(t, "c", open[0].LocalID)
	assert.Equal(t, "b", open[1].LocalID)
	assert.Len(t, tr.List(domain.OrderStatusRejected), 1)
	assert.Len(t, tr.List(), 3)
}

// applySequence replays evs on a fresh tracker with orders L1..L3.
func applySequence(t *testing.T, evs []domain.BrokerEvent, twice bool) *Tracker {
	tr, _ := newTracker(t)
	for _, id := range []string{"L1", "L2", "L3"} {
		submit(tr, id, 10)
	}
	for _, ev := range evs {
		tr.ApplyBrokerEvent(ev)
		if twice {
			tr.ApplyBrokerEvent(ev)
		}
	}
	return tr
}

func randomEvents(r *rand.Rand, n int) []domain.BrokerEvent {
	ids := []string{"L1", "L2", "L3"}
	statuses := []domain.OrderStatus{
		domain.OrderStatusSubmitted, domain.OrderStatusCancelled,
		domain.OrderStatusExpired, domain.OrderStatusPending,
	}
	evs := make([]domain.BrokerEvent, 0, n)
	for i := 0; i < n; i++ {
		id := ids[r.Intn(len(ids))]
		bid := "B" + id
		switch r.Intn(4) {
		case 0:
			evs = append(evs, domain.AckEvent(id, bid, t0))
		case 1:
			execID := "E" + string(rune('a'+r.Intn(8)))
			evs = append(evs, fill(id, bid, id+execID, int64(1+r.Intn(4)), "10"))
		case 2:
			evs = append(evs, domain.StatusEvent(id, bid, statuses[r.Intn(len(statuses))], "", t0))
		case 3:
			if r.Intn(4) == 0 {
				evs = append(evs, domain.RejectionEvent(id, bid, "r", t0))
			}
		}
	}
	return evs
}

func TestApplyIsIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		evs := randomEvents(r, 30)
		once := applySequence(t, evs, false)
		twice := applySequence(t, evs, true)
		for _, id := range []string{"L1", "L2", "L3"} {
			a, _ := once.Get(id)
			b, _ := twice.Get(id)
			assert.Equal(t, a.Status, b.Status, "round %d order %s", round, id)
			assert.Equal(t, a.FilledQty, b.FilledQty, "round %d order %s", round, id)
			assert.True(t, a.AvgFillPrice.Equal(b.AvgFillPrice), "round %d order %s", round, id)
		}
	}
}

var rank = map[domain.OrderStatus]int{
	domain.OrderStatusPending:         0,
	domain.OrderStatusSubmitted:       1,
	domain.OrderStatusPartiallyFilled: 2,
	domain.OrderStatusFilled:          3,
	domain.OrderStatusCancelled:       3,
	domain.OrderStatusRejected:        3,
	domain.OrderStatusExpired:         3,
}

func TestStatusNeverMovesBackward(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for round := 0; round < 50; round++ {
		tr, rec := newTracker(t)
		for _, id := range []string{"L1", "L2", "L3"} {
			submit(tr, id, 10)
		}
		for _, ev := range randomEvents(r, 40) {
			tr.ApplyBrokerEvent(ev)
		}
		last := map[string]uint64{}
		for _, ev := range rec.lifecycle {
			if ev.Previous != "" {
				require.True(t, domain.CanTransition(ev.Previous, ev.New), "round %d: %s -> %s", round, ev.Previous, ev.New)
				require.LessOrEqual(t, rank[ev.Previous], rank[ev.New])
			}
			require.Greater(t, ev.Version, last[ev.LocalID], "versions increase per order")
			last[ev.LocalID] = ev.Version
			require.LessOrEqual(t, ev.Order.FilledQty, ev.Order.Qty)
		}
	}
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	tr, _ := newTracker(t)
	submit(tr, "L1", 1000)
	tr.ApplyAck(domain.BrokerAck{LocalID: "L1", BrokerID: "B1"})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.ApplyBrokerEvent(fill("L1", "B1", "E"+string(rune('A'+w))+string(rune('0'+i%10))+string(rune('a'+i/10)), 1, "10"))
				_, _ = tr.Get("L1")
				_ = tr.ListOpen()
			}
		}(w)
	}
	wg.Wait()

	o, _ := tr.Get("L1")
	assert.Equal(t, int64(200), o.FilledQty)
}
