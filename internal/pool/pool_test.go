package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialRecorder hands out mock adapters and remembers them so tests can reach
// into individual pool members.
type dialRecorder struct {
	mu     sync.Mutex
	venue  string
	mocks  []*mock.Exchange
	failAt int
	err    error
}

func (d *dialRecorder) dial() (core.IExchangeAdapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil && len(d.mocks)+1 >= d.failAt {
		return nil, d.err
	}
	ex := mock.NewExchange(d.venue)
	d.mocks = append(d.mocks, ex)
	return ex, nil
}

func (d *dialRecorder) adapter(i int) *mock.Exchange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mocks[i]
}

func (d *dialRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mocks)
}

func newTestPool(t *testing.T, perConn int) (*Pool, *dialRecorder) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	rec := &dialRecorder{venue: core.VenueGate}
	return New(core.VenueGate, perConn, rec.dial, logger), rec
}

func symbolBatch(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%03dUSDT", i)
	}
	return out
}

func waitPoolEvent(t *testing.T, p *Pool, match func(core.AdapterEvent) bool) core.AdapterEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatal("pool event channel closed before expected event")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for pool event")
		}
	}
}

func TestPoolCapacityMath(t *testing.T) {
	p, rec := newTestPool(t, 20)
	ctx := context.Background()

	failures := p.SubscribeAll(ctx, symbolBatch(55))
	assert.Empty(t, failures)
	assert.Equal(t, 3, p.ConnectionCount(), "55 symbols at 20 per connection need 3 connections")
	assert.Equal(t, 55, p.SubscriptionCount())
	assert.Equal(t, 3, rec.count())

	// Draining the third connection prunes it
	for _, s := range p.Symbols() {
		if idx, ok := p.ConnectionIndex(s); ok && idx == 3 {
			require.NoError(t, p.Unsubscribe(ctx, s))
		}
	}
	assert.Equal(t, 2, p.ConnectionCount())
	assert.Equal(t, 40, p.SubscriptionCount())
	assert.Equal(t, 1, rec.adapter(2).DisconnectCalls())
}

func TestPoolBatchFillsThenPrunes(t *testing.T) {
	p, rec := newTestPool(t, 20)
	ctx := context.Background()

	failures := p.SubscribeAll(ctx, symbolBatch(25))
	assert.Empty(t, failures)
	assert.Equal(t, 2, p.ConnectionCount(), "25 symbols split 20 + 5")

	var onFirst []string
	for _, s := range p.Symbols() {
		if idx, ok := p.ConnectionIndex(s); ok && idx == 1 {
			onFirst = append(onFirst, s)
		}
	}
	require.Len(t, onFirst, 20)

	for _, s := range onFirst {
		require.NoError(t, p.Unsubscribe(ctx, s))
	}
	assert.Equal(t, 1, p.ConnectionCount(), "emptied first connection should be pruned")
	assert.Equal(t, 5, p.SubscriptionCount())
	assert.Equal(t, 1, rec.adapter(0).DisconnectCalls())
}

func TestPoolRejectsDuplicateSubscription(t *testing.T) {
	p, _ := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, "BTCUSDT"))
	err := p.Subscribe(ctx, "BTCUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, p.SubscriptionCount())
}

func TestPoolRejectsCallsAfterDestroy(t *testing.T) {
	p, rec := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, "BTCUSDT"))
	require.NoError(t, p.Destroy(ctx))

	assert.Error(t, p.Subscribe(ctx, "ETHUSDT"))
	assert.Error(t, p.Unsubscribe(ctx, "BTCUSDT"))
	failures := p.SubscribeAll(ctx, []string{"XRPUSDT"})
	assert.Len(t, failures, 1)
	assert.Equal(t, 1, rec.adapter(0).DisconnectCalls())
}

func TestPoolDestroyClosesEventChannel(t *testing.T) {
	p, _ := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, "BTCUSDT"))
	require.NoError(t, p.Destroy(ctx))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-p.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("pool event channel not closed by destroy")
		}
	}
}

func TestPoolStampsConnectionIndexOnEvents(t *testing.T) {
	p, rec := newTestPool(t, 1)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, "BTCUSDT"))
	require.NoError(t, p.Subscribe(ctx, "ETHUSDT"))
	require.Equal(t, 2, p.ConnectionCount())

	rec.adapter(1).EmitFundingRate(&core.FundingRate{
		Symbol: "ETHUSDT",
		Rate:   decimal.NewFromFloat(0.0003),
	})

	ev := waitPoolEvent(t, p, func(ev core.AdapterEvent) bool {
		return ev.Type == core.AdapterEventFundingRate
	})
	assert.Equal(t, 2, ev.ConnIndex, "event should carry the index of its member connection")
	assert.Equal(t, core.VenueGate, ev.Venue)
	assert.Equal(t, "ETHUSDT", ev.Rate.Symbol)
}

func TestPoolEmitsConnectionCountChanges(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	failures := p.SubscribeAll(ctx, symbolBatch(3))
	assert.Empty(t, failures)

	ev := waitPoolEvent(t, p, func(ev core.AdapterEvent) bool {
		return ev.Type == core.AdapterEventConnectionCount && ev.Count == 2
	})
	assert.Equal(t, core.VenueGate, ev.Venue)
}

func TestPoolPartialFailureKeepsSuccesses(t *testing.T) {
	p, rec := newTestPool(t, 2)
	rec.failAt = 2
	rec.err = fmt.Errorf("dial refused")
	ctx := context.Background()

	failures := p.SubscribeAll(ctx, symbolBatch(3))
	require.Len(t, failures, 1, "only the symbol that needed the second connection fails")
	assert.Equal(t, 2, p.SubscriptionCount())
	assert.Equal(t, 1, p.ConnectionCount())
	for _, err := range failures {
		assert.Contains(t, err.Error(), "dial refused")
	}
}

func TestPoolKeepsLastConnectionWhenSubscribeFails(t *testing.T) {
	p, rec := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, "BTCUSDT"))
	rec.adapter(0).FailSubscribe(fmt.Errorf("%w: no ack", apperrors.ErrSubscribeTimeout))

	err := p.Subscribe(ctx, "ETHUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSubscribeTimeout)
	assert.Equal(t, 1, p.ConnectionCount(), "sole connection survives a failed subscribe")

	rec.adapter(0).FailSubscribe(nil)
	require.NoError(t, p.Subscribe(ctx, "ETHUSDT"))
	assert.Equal(t, 2, p.SubscriptionCount())
}

func TestPoolUnsubscribeAllKeepsOneConnection(t *testing.T) {
	p, rec := newTestPool(t, 2)
	ctx := context.Background()

	failures := p.SubscribeAll(ctx, symbolBatch(4))
	assert.Empty(t, failures)
	require.Equal(t, 2, p.ConnectionCount())

	require.NoError(t, p.UnsubscribeAll(ctx))
	assert.Equal(t, 0, p.SubscriptionCount())
	assert.Equal(t, 1, p.ConnectionCount(), "one drained connection stays warm")
	assert.Equal(t, 0, rec.adapter(0).SubscriptionCount())
}