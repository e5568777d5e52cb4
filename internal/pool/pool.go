// Package pool multiplexes market-data subscriptions across several
// connections to one venue. Venues cap how many symbols a single websocket
// may carry (OKX 100, Gate 20, BingX 50, Binance 200), so the pool opens
// connections lazily as capacity fills, tracks which connection serves which
// symbol, and prunes connections that drain empty. Every adapter event is
// re-emitted on the pool's channel with the originating connection index
// stamped on it.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"
)

// DialFunc builds one fresh adapter. Each adapter owns exactly one websocket
// connection, so the pool dials once per member.
type DialFunc func() (core.IExchangeAdapter, error)

const eventBuffer = 512

type member struct {
	index   int
	adapter core.IExchangeAdapter
	symbols map[string]struct{}
}

// Pool stacks capped connections for one venue.
type Pool struct {
	venue   string
	perConn int
	dial    DialFunc
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	mu        sync.Mutex
	members   []*member
	assign    map[string]*member
	nextIndex int
	destroyed bool

	events chan core.AdapterEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool for one venue. perConn is the venue's per-connection
// subscription cap.
func New(venue string, perConn int, dial DialFunc, logger core.ILogger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		venue:     venue,
		perConn:   perConn,
		dial:      dial,
		logger:    logger.WithField("component", "pool").WithField("venue", venue),
		metrics:   telemetry.GetGlobalMetrics(),
		assign:    make(map[string]*member),
		nextIndex: 1,
		events:    make(chan core.AdapterEvent, eventBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Venue returns the venue this pool serves.
func (p *Pool) Venue() string { return p.venue }

// Events returns the fan-out channel. It is closed by Destroy.
func (p *Pool) Events() <-chan core.AdapterEvent { return p.events }

// ConnectionCount returns the number of open member connections.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// SubscriptionCount returns the total number of pooled subscriptions.
func (p *Pool) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assign)
}

// ConnectionIndex reports which member connection carries a symbol.
func (p *Pool) ConnectionIndex(symbol string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.assign[symbol]
	if !ok {
		return 0, false
	}
	return m.index, true
}

// Symbols returns the pooled subscription set in sorted order.
func (p *Pool) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.assign))
	for s := range p.assign {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Subscribe routes one symbol onto the first connection with free capacity,
// opening a new connection when every member is full. The new connection is
// connected and acknowledged before the call returns.
func (p *Pool) Subscribe(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribeLocked(ctx, symbol)
}

// SubscribeAll batches symbols across members, filling existing free capacity
// first and opening new connections as it runs out. Symbols that subscribe
// successfully stay subscribed; the returned map holds the failures.
func (p *Pool) SubscribeAll(ctx context.Context, symbols []string) map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()

	failures := make(map[string]error)
	if p.destroyed {
		for _, s := range symbols {
			failures[s] = p.destroyedErr()
		}
		return failures
	}

	var pending []string
	for _, s := range symbols {
		if _, ok := p.assign[s]; ok {
			failures[s] = fmt.Errorf("%w: %s already subscribed on %s", apperrors.ErrConflict, s, p.venue)
			continue
		}
		pending = append(pending, s)
	}

	for len(pending) > 0 {
		m := p.freeMemberLocked()
		if m == nil {
			var err error
			m, err = p.openMemberLocked(ctx)
			if err != nil {
				for _, s := range pending {
					failures[s] = err
				}
				break
			}
		}

		batch := pending
		if room := p.perConn - len(m.symbols); len(batch) > room {
			batch = batch[:room]
		}
		pending = pending[len(batch):]

		if err := m.adapter.Subscribe(ctx, batch); err != nil {
			p.logger.Warn("Batch subscribe failed",
				"conn_index", m.index, "symbols", len(batch), "error", err)
			for _, s := range batch {
				failures[s] = err
			}
			p.pruneLocked(m)
			continue
		}
		for _, s := range batch {
			m.symbols[s] = struct{}{}
			p.assign[s] = m
		}
	}
	return failures
}

// Unsubscribe removes one symbol and prunes its connection if it drained.
func (p *Pool) Unsubscribe(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return p.destroyedErr()
	}
	m, ok := p.assign[symbol]
	if !ok {
		return fmt.Errorf("%w: %s not subscribed on %s", apperrors.ErrValidation, symbol, p.venue)
	}

	if err := m.adapter.Unsubscribe(ctx, []string{symbol}); err != nil {
		return err
	}
	delete(m.symbols, symbol)
	delete(p.assign, symbol)
	p.pruneLocked(m)
	return nil
}

// UnsubscribeAll drains every member. All but one emptied connection are
// pruned so a later subscribe does not pay the dial cost again.
func (p *Pool) UnsubscribeAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return p.destroyedErr()
	}

	var firstErr error
	for _, m := range append([]*member(nil), p.members...) {
		if len(m.symbols) == 0 {
			continue
		}
		symbols := make([]string, 0, len(m.symbols))
		for s := range m.symbols {
			symbols = append(symbols, s)
		}
		if err := m.adapter.Unsubscribe(ctx, symbols); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, s := range symbols {
			delete(m.symbols, s)
			delete(p.assign, s)
		}
		p.pruneLocked(m)
	}
	return firstErr
}

// Destroy disconnects every member and closes the event channel. The pool
// rejects all calls afterwards.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	members := p.members
	p.members = nil
	p.assign = make(map[string]*member)
	p.mu.Unlock()

	for _, m := range members {
		if err := m.adapter.Disconnect(); err != nil {
			p.logger.Warn("Disconnect failed during destroy", "conn_index", m.index, "error", err)
		}
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(p.events)
	p.metrics.SetPoolConnections(p.venue, 0)
	p.logger.Info("Pool destroyed", "connections_closed", len(members))
	return nil
}

func (p *Pool) destroyedErr() error {
	return fmt.Errorf("%w: pool for %s is destroyed", apperrors.ErrValidation, p.venue)
}

func (p *Pool) subscribeLocked(ctx context.Context, symbol string) error {
	if p.destroyed {
		return p.destroyedErr()
	}
	if _, ok := p.assign[symbol]; ok {
		return fmt.Errorf("%w: %s already subscribed on %s", apperrors.ErrConflict, symbol, p.venue)
	}

	m := p.freeMemberLocked()
	if m == nil {
		var err error
		m, err = p.openMemberLocked(ctx)
		if err != nil {
			return err
		}
	}

	if err := m.adapter.Subscribe(ctx, []string{symbol}); err != nil {
		p.pruneLocked(m)
		return err
	}
	m.symbols[symbol] = struct{}{}
	p.assign[symbol] = m
	return nil
}

// freeMemberLocked returns the first member with spare capacity.
func (p *Pool) freeMemberLocked() *member {
	for _, m := range p.members {
		if len(m.symbols) < p.perConn {
			return m
		}
	}
	return nil
}

// openMemberLocked dials a fresh connection and starts forwarding its events.
func (p *Pool) openMemberLocked(ctx context.Context) (*member, error) {
	adapter, err := p.dial()
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}

	m := &member{
		index:   p.nextIndex,
		adapter: adapter,
		symbols: make(map[string]struct{}),
	}
	p.nextIndex++
	p.members = append(p.members, m)

	p.wg.Add(1)
	go p.forward(m)

	p.logger.Info("Opened pool connection", "conn_index", m.index, "connections", len(p.members))
	p.emitCountLocked()
	return m, nil
}

// pruneLocked disconnects a drained member, keeping at least one connection
// alive for future subscribes.
func (p *Pool) pruneLocked(m *member) {
	if len(m.symbols) != 0 || len(p.members) <= 1 {
		return
	}
	for i, cand := range p.members {
		if cand == m {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	if err := m.adapter.Disconnect(); err != nil {
		p.logger.Warn("Disconnect failed during prune", "conn_index", m.index, "error", err)
	}
	p.logger.Info("Pruned empty pool connection", "conn_index", m.index, "connections", len(p.members))
	p.emitCountLocked()
}

// forward re-emits one member's events with its connection index stamped on.
func (p *Pool) forward(m *member) {
	defer p.wg.Done()
	for ev := range m.adapter.Events() {
		ev.ConnIndex = m.index
		select {
		case p.events <- ev:
		case <-p.ctx.Done():
			return
		}
	}
}

// emitCountLocked publishes connectionCountChanged without blocking. The
// count is advisory; a full buffer drops it rather than stalling a subscribe.
func (p *Pool) emitCountLocked() {
	count := len(p.members)
	p.metrics.SetPoolConnections(p.venue, int64(count))

	ev := core.AdapterEvent{
		Type:  core.AdapterEventConnectionCount,
		Venue: p.venue,
		Count: count,
		At:    time.Now(),
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("Event buffer full, dropped connection count event", "count", count)
	}
}
