// Package publish mirrors selected bus events onto Redis pub/sub channels so
// dashboards and other processes can consume the engine's output without
// linking against it. The mirror is best-effort: a failed publish is counted
// and logged, never retried, and never blocks the bus.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// redisClient is the slice of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// envelope is the wire form of one mirrored event.
type envelope struct {
	Topic string      `json:"topic"`
	At    time.Time   `json:"at"`
	Data  interface{} `json:"data"`
}

// Publisher forwards rate snapshots, opportunity transitions and terminal
// close results to Redis.
type Publisher struct {
	cfg    config.RedisConfig
	bus    *events.Bus
	client redisClient
	logger core.ILogger

	published metric.Int64Counter

	isRunning int32
	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New dials Redis and returns a publisher ready to Start.
func New(cfg config.RedisConfig, bus *events.Bus, logger core.ILogger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: string(cfg.Password),
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", apperrors.ErrTransport, err)
	}
	return newWithClient(cfg, bus, client, logger), nil
}

func newWithClient(cfg config.RedisConfig, bus *events.Bus, client redisClient, logger core.ILogger) *Publisher {
	meter := telemetry.GetMeter("publish")
	published, _ := meter.Int64Counter(telemetry.MetricExternalPublishTotal,
		metric.WithDescription("Events mirrored to Redis, by channel and outcome"))

	return &Publisher{
		cfg:       cfg,
		bus:       bus,
		client:    client,
		logger:    logger.WithField("component", "publish"),
		published: published,
	}
}

// Start subscribes to the mirrored topics and begins forwarding.
func (p *Publisher) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.isRunning, 0, 1) {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.sub = p.bus.Subscribe("publish", 256,
		events.TopicRateUpdated,
		events.TopicOpportunityDetected,
		events.TopicOpportunityExpired,
		events.TopicOpportunityClosed,
		events.TopicCloseSucceeded,
		events.TopicCloseFailed,
		events.TopicClosePartial,
	)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("Redis publisher started", "addr", p.cfg.Addr, "prefix", p.cfg.ChannelPrefix)
	return nil
}

// Stop detaches from the bus and closes the Redis connection.
func (p *Publisher) Stop() {
	if !atomic.CompareAndSwapInt32(&p.isRunning, 1, 0) {
		return
	}
	p.sub.Close()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("Publisher stop timed out")
	}

	if err := p.client.Close(); err != nil {
		p.logger.Warn("Redis close failed", "error", err.Error())
	}
	p.logger.Info("Redis publisher stopped")
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.sub.C():
			if !ok {
				return
			}
			p.mirror(ev)
		}
	}
}

func (p *Publisher) mirror(ev events.Event) {
	channel, data := p.route(ev)
	if channel == "" {
		return
	}
	body, err := json.Marshal(envelope{Topic: string(ev.Topic), At: ev.At, Data: data})
	if err != nil {
		p.logger.Error("Event encode failed", "topic", ev.Topic, "error", err.Error())
		return
	}

	outcome := "ok"
	if err := p.client.Publish(p.ctx, channel, body).Err(); err != nil {
		outcome = "error"
		p.logger.Warn("Redis publish failed", "channel", channel, "error", err.Error())
	}
	p.published.Add(p.ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

// route picks the target channel and the payload to expose. Unknown payload
// shapes are skipped rather than mirrored half-empty.
func (p *Publisher) route(ev events.Event) (string, interface{}) {
	switch ev.Topic {
	case events.TopicRateUpdated:
		upd, ok := ev.Payload.(events.RateUpdated)
		if !ok || upd.Snapshot == nil {
			return "", nil
		}
		return fmt.Sprintf("%s.rates.%s", p.cfg.ChannelPrefix, upd.Snapshot.Symbol), upd.Snapshot
	case events.TopicOpportunityDetected, events.TopicOpportunityExpired, events.TopicOpportunityClosed:
		ch, ok := ev.Payload.(events.OpportunityChange)
		if !ok || ch.Opportunity == nil {
			return "", nil
		}
		return p.cfg.ChannelPrefix + ".opportunities", ch.Opportunity
	case events.TopicCloseSucceeded, events.TopicCloseFailed, events.TopicClosePartial:
		res, ok := ev.Payload.(events.CloseResult)
		if !ok {
			return "", nil
		}
		return p.cfg.ChannelPrefix + ".closes", res
	}
	return "", nil
}
