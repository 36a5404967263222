package tracker

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
)

// Reconcile merges a broker snapshot into local state. The broker is
// authoritative: unseen executions are applied, missing fill quantity is
// synthesized from the broker's cumulative fill, terminal broker statuses
// are applied forward and Pending orders whose submit timed out and that the
// broker never received are rejected as lost in transit. Disagreements
// that cannot be applied are logged as reconciliation conflicts.
func (t *Tracker) Reconcile(snap *domain.BrokerSnapshot) {
	if snap == nil {
		return
	}
	t.update(func(b *batch) { t.reconcileLocked(b, snap) })
}

func (t *Tracker) reconcileLocked(b *batch, snap *domain.BrokerSnapshot) {
	execs := append([]domain.Fill(nil), snap.Executions...)
	sort.SliceStable(execs, func(i, j int) bool { return execs[i].Timestamp.Before(execs[j].Timestamp) })

	// Create orders the snapshot knows but we do not, so their executions
	// have somewhere to land.
	seen := make(map[string]bool, len(snap.Orders))
	for _, bs := range snap.Orders {
		o := t.resolveLocked(bs.LocalID, bs.BrokerID)
		if o == nil && bs.BrokerID != "" {
			o = t.syntheticFromStateLocked(b, bs)
		}
		if o == nil {
			continue
		}
		seen[o.LocalID] = true
		if bs.BrokerID != "" && o.BrokerID == "" {
			o.BrokerID = bs.BrokerID
			t.byBroker[bs.BrokerID] = o.LocalID
		}
		if o.Status == domain.OrderStatusPending {
			t.implicitAckLocked(b, o, bs.UpdatedAt)
		}
	}

	for _, f := range execs {
		t.applyLocked(b, domain.FillEvent(f))
	}

	for _, bs := range snap.Orders {
		o := t.resolveLocked(bs.LocalID, bs.BrokerID)
		if o == nil {
			continue
		}
		t.reconcileOrderLocked(b, o, bs)
	}

	// Only a submit that already returned with an unknown outcome can be
	// lost: anything else Pending may still be queued behind this snapshot.
	for _, id := range t.created {
		o := t.orders[id]
		markedAt, unresolved := t.unresolved[id]
		if o.Status != domain.OrderStatusPending || !unresolved || seen[o.LocalID] {
			continue
		}
		if !snap.TakenAt.IsZero() && (o.CreatedAt.After(snap.TakenAt) || markedAt.After(snap.TakenAt)) {
			continue
		}
		t.log.Warn("order never reached the broker", "local_id", o.LocalID, "symbol", o.Symbol)
		t.transitionLocked(b, o, domain.OrderStatusRejected, nil, ReasonLostInTransit, snap.TakenAt)
	}
}

func (t *Tracker) syntheticFromStateLocked(b *batch, bs domain.BrokerOrderState) *domain.Order {
	localID := bs.LocalID
	if localID == "" {
		localID = "broker:" + bs.BrokerID
	}
	now := t.now()
	o := &domain.Order{
		LocalID:    localID,
		BrokerID:   bs.BrokerID,
		Symbol:     bs.Symbol,
		Side:       bs.Side,
		Type:       bs.Type,
		Qty:        bs.Qty,
		LimitPrice: bs.LimitPrice,
		StopPrice:  bs.StopPrice,
		Status:     domain.OrderStatusSubmitted,
		Version:    1,
		Synthetic:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.insertSyntheticLocked(b, o)
	return o
}

func (t *Tracker) reconcileOrderLocked(b *batch, o *domain.Order, bs domain.BrokerOrderState) {
	conflict := func(format string, args ...any) {
		c := &domain.ReconciliationConflict{LocalID: o.LocalID, BrokerID: o.BrokerID, Detail: fmt.Sprintf(format, args...)}
		t.log.Warn("reconciliation conflict", "error", c)
	}

	if bs.Qty > 0 {
		t.learnQtyLocked(b, o, bs.Qty, bs.UpdatedAt)
	}

	switch {
	case bs.FilledQty > o.FilledQty:
		if o.Status.IsTerminal() {
			conflict("broker filled %d, local %s order filled %d", bs.FilledQty, o.Status, o.FilledQty)
			break
		}
		missing := bs.FilledQty - o.FilledQty
		t.applyFillLocked(b, o, domain.Fill{
			BrokerID:    o.BrokerID,
			ExecutionID: fmt.Sprintf("reconcile:%s:%d", bs.BrokerID, bs.FilledQty),
			Symbol:      o.Symbol,
			Side:        o.Side,
			Shares:      missing,
			Price:       missingFillPrice(o, bs, missing),
			Timestamp:   bs.UpdatedAt,
		}, domain.EventFill)
	case bs.FilledQty < o.FilledQty:
		conflict("broker filled %d, local filled %d; keeping local", bs.FilledQty, o.FilledQty)
	}

	switch bs.Status {
	case domain.OrderStatusCancelled, domain.OrderStatusExpired, domain.OrderStatusRejected:
		if o.Status.IsTerminal() {
			if o.Status != bs.Status {
				conflict("broker status %s, local %s", bs.Status, o.Status)
			}
			return
		}
		t.applyStatusLocked(b, o, bs.Status, bs.Reason, bs.UpdatedAt, domain.EventStatusChange)
	case domain.OrderStatusFilled:
		if o.Status != domain.OrderStatusFilled {
			conflict("broker reports filled, local %s with %d of %d", o.Status, o.FilledQty, o.Qty)
		}
	}
}

// missingFillPrice derives the average price of the shares the broker
// filled beyond what was applied locally.
func missingFillPrice(o *domain.Order, bs domain.BrokerOrderState, missing int64) decimal.Decimal {
	brokerTotal := bs.AvgFillPrice.Mul(decimal.NewFromInt(bs.FilledQty))
	localTotal := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	px := brokerTotal.Sub(localTotal).DivRound(decimal.NewFromInt(missing), priceScale)
	if !px.IsPositive() {
		return bs.AvgFillPrice
	}
	return px
}
