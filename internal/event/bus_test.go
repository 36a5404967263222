package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"brokergate/internal/domain"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus[int]()
	var got []string
	b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })

	b.Publish(1)
	require.Equal(t, []string{"a", "b"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus[int]()
	calls := 0
	unsub := b.Subscribe(func(int) { calls++ })
	b.Publish(1)
	unsub()
	unsub()
	b.Publish(2)

	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.Len())
}

func TestBusSubscribeChanDropsWhenFull(t *testing.T) {
	b := NewBus[int]()
	ch, unsub := b.SubscribeChan(1)
	defer unsub()

	b.Publish(1)
	b.Publish(2)

	require.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestHubSubscribeAll(t *testing.T) {
	h := NewHub()
	var kinds []string
	unsub := h.SubscribeAll(func(env Envelope) { kinds = append(kinds, env.Kind) })

	at := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	h.Lifecycle.Publish(domain.LifecycleEvent{LocalID: "L1", At: at})
	h.Session.Publish(domain.SessionEvent{At: at})
	h.Risk.Publish(domain.RiskRejectionEvent{At: at})
	h.Breaker.Publish(domain.BreakerEvent{At: at})
	h.Inconsistency.Publish(domain.InconsistencyEvent{At: at})
	require.Equal(t, Kinds, kinds)

	unsub()
	h.Lifecycle.Publish(domain.LifecycleEvent{})
	require.Len(t, kinds, len(Kinds))
	require.Equal(t, 0, h.Breaker.Len())
}
