// Package notify fans engine events out to user-configured chat webhooks.
// Opportunity detections, opted-in expirations and exit suggestions are
// formatted per platform and POSTed in parallel; one webhook failing never
// blocks or fails the others.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/events"
	"funding_arb/pkg/concurrency"
	pkghttp "funding_arb/pkg/http"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Supported webhook platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Recorder receives a callback per delivered opportunity notification so the
// count lands on the opportunity and its eventual history row.
type Recorder interface {
	RecordNotification(id string)
}

// Dispatcher subscribes to notification-worthy bus topics and delivers them
// to webhooks through a bounded worker pool.
type Dispatcher struct {
	cfg      config.NotifyConfig
	bus      *events.Bus
	repo     core.Repository
	recorder Recorder
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	// One client per platform so a broken platform tripping its circuit
	// breaker cannot block deliveries to the others.
	clients map[string]*pkghttp.Client

	sentCounter   metric.Int64Counter
	failedCounter metric.Int64Counter

	isRunning int32
	sub       *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// NewDispatcher creates the webhook dispatcher. recorder may be nil when no
// opportunity bookkeeping is wanted.
func NewDispatcher(cfg config.NotifyConfig, conc config.ConcurrencyConfig, bus *events.Bus, repo core.Repository, recorder Recorder, logger core.ILogger) *Dispatcher {
	meter := telemetry.GetMeter("notify")
	sentCounter, _ := meter.Int64Counter(telemetry.MetricNotificationsSent,
		metric.WithDescription("Webhook notifications delivered"))
	failedCounter, _ := meter.Int64Counter(telemetry.MetricNotificationsFailed,
		metric.WithDescription("Webhook notifications that failed delivery"))

	log := logger.WithField("component", "notify")
	pool := concurrency.NewWorkerPool("notify", conc.NotifyPoolSize, conc.NotifyPoolBuffer, log)

	timeout := cfg.DispatchTimeout()
	return &Dispatcher{
		cfg:      cfg,
		bus:      bus,
		repo:     repo,
		recorder: recorder,
		pool:     pool,
		logger:   log,
		clients: map[string]*pkghttp.Client{
			PlatformTelegram: pkghttp.NewClient("", timeout, nil),
			PlatformDiscord:  pkghttp.NewClient("", timeout, nil),
			PlatformSlack:    pkghttp.NewClient("", timeout, nil),
		},
		sentCounter:   sentCounter,
		failedCounter: failedCounter,
		now:           time.Now,
	}
}

// Start begins consuming notification-worthy events.
func (n *Dispatcher) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&n.isRunning, 0, 1) {
		return fmt.Errorf("notify dispatcher is already running")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.sub = n.bus.Subscribe("notify", 256,
		events.TopicOpportunityDetected, events.TopicOpportunityExpired, events.TopicExitSuggested)

	n.wg.Add(1)
	go n.run()

	n.logger.Info("Notify dispatcher started", "dispatch_timeout", n.cfg.DispatchTimeout().String())
	return nil
}

// Stop drains the dispatch pool. In-flight deliveries are canceled.
func (n *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&n.isRunning, 1, 0) {
		return nil
	}
	if n.sub != nil {
		n.sub.Close()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.pool.Stop()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		n.logger.Warn("Notify dispatcher stop timed out")
	}
	n.logger.Info("Notify dispatcher stopped")
	return nil
}

func (n *Dispatcher) run() {
	defer n.wg.Done()
	for ev := range n.sub.C() {
		n.handle(ev)
	}
}

func (n *Dispatcher) handle(ev events.Event) {
	switch ev.Topic {
	case events.TopicOpportunityDetected:
		if ch, ok := ev.Payload.(events.OpportunityChange); ok && ch.Opportunity != nil {
			n.notifyOpportunity(ch.Opportunity, false)
		}
	case events.TopicOpportunityExpired:
		if ch, ok := ev.Payload.(events.OpportunityChange); ok && ch.Opportunity != nil {
			n.notifyOpportunity(ch.Opportunity, true)
		}
	case events.TopicExitSuggested:
		if sug, ok := ev.Payload.(events.ExitSuggestion); ok && sug.Position != nil {
			n.notifyExit(sug)
		}
	}
}

// notifyOpportunity fans a detection or expiry out to every enabled webhook
// that passes the threshold and minute-window filters. Expiries only reach
// webhooks that opted in.
func (n *Dispatcher) notifyOpportunity(opp *core.ArbitrageOpportunity, expired bool) {
	hooks, err := n.repo.Webhooks().FindAllEnabled(n.ctx)
	if err != nil {
		n.logger.Error("Failed to load webhooks", "error", err.Error())
		return
	}

	diff := opp.CurrentDiff
	text := formatDetected(opp)
	recordID := opp.ID
	if expired {
		diff = opp.MaxDiff
		text = formatExpired(opp)
		recordID = ""
	}

	minute := n.now().Minute()
	for _, w := range hooks {
		if expired && !w.NotifyOnExpiry {
			continue
		}
		if !w.MinRateDifference.IsZero() && diff.LessThan(w.MinRateDifference) {
			continue
		}
		if !w.AllowsMinute(minute) {
			continue
		}
		n.submit(w, text, recordID)
	}
}

// notifyExit delivers an exit suggestion to the position owner's webhooks.
// The rate-difference threshold does not apply; it gates opportunity spam,
// not warnings about the user's own position.
func (n *Dispatcher) notifyExit(sug events.ExitSuggestion) {
	hooks, err := n.repo.Webhooks().FindEnabledByUserID(n.ctx, sug.Position.UserID)
	if err != nil {
		n.logger.Error("Failed to load webhooks", "user_id", sug.Position.UserID, "error", err.Error())
		return
	}

	text := formatExit(sug)
	minute := n.now().Minute()
	for _, w := range hooks {
		if !w.AllowsMinute(minute) {
			continue
		}
		n.submit(w, text, "")
	}
}

func (n *Dispatcher) submit(w *core.NotificationWebhook, text, opportunityID string) {
	hook := *w
	if err := n.pool.Submit(func() { n.deliver(&hook, text, opportunityID) }); err != nil {
		n.failedCounter.Add(n.ctx, 1, metric.WithAttributes(
			attribute.String("platform", hook.Platform),
			attribute.String("cause", "pool_full"),
		))
		n.logger.Warn("Notification dropped, dispatch pool full",
			"webhook_id", hook.ID, "platform", hook.Platform)
	}
}

func (n *Dispatcher) deliver(w *core.NotificationWebhook, text, opportunityID string) {
	url, payload, err := buildRequest(w, text)
	if err != nil {
		n.failedCounter.Add(n.ctx, 1, metric.WithAttributes(
			attribute.String("platform", w.Platform),
			attribute.String("cause", "bad_webhook"),
		))
		n.logger.Warn("Webhook not deliverable", "webhook_id", w.ID, "error", err.Error())
		return
	}
	client := n.clients[w.Platform]

	ctx := n.ctx
	if t := n.cfg.DispatchTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(n.ctx, t)
		defer cancel()
	}
	if _, err := client.PostOnce(ctx, url, payload); err != nil {
		n.failedCounter.Add(n.ctx, 1, metric.WithAttributes(
			attribute.String("platform", w.Platform),
			attribute.String("cause", "delivery"),
		))
		n.logger.Warn("Webhook delivery failed",
			"webhook_id", w.ID, "platform", w.Platform, "error", err.Error())
		return
	}

	n.sentCounter.Add(n.ctx, 1, metric.WithAttributes(attribute.String("platform", w.Platform)))
	n.logger.Debug("Webhook delivered", "webhook_id", w.ID, "platform", w.Platform)

	if opportunityID != "" && n.recorder != nil {
		n.recorder.RecordNotification(opportunityID)
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type discordMessage struct {
	Content string `json:"content"`
}

type slackMessage struct {
	Text string `json:"text"`
}

// buildRequest resolves the destination URL and platform payload. Telegram
// rows may carry a bot token instead of a full URL; the other platforms
// require an explicit webhook URL.
func buildRequest(w *core.NotificationWebhook, text string) (string, interface{}, error) {
	switch w.Platform {
	case PlatformTelegram:
		url := w.URL
		if url == "" {
			if w.Token == "" {
				return "", nil, fmt.Errorf("telegram webhook %s has neither url nor token", w.ID)
			}
			url = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", w.Token)
		}
		return url, telegramMessage{ChatID: w.ChatID, Text: text}, nil
	case PlatformDiscord:
		if w.URL == "" {
			return "", nil, fmt.Errorf("discord webhook %s has no url", w.ID)
		}
		return w.URL, discordMessage{Content: text}, nil
	case PlatformSlack:
		if w.URL == "" {
			return "", nil, fmt.Errorf("slack webhook %s has no url", w.ID)
		}
		return w.URL, slackMessage{Text: text}, nil
	default:
		return "", nil, fmt.Errorf("unknown platform %q on webhook %s", w.Platform, w.ID)
	}
}

func formatDetected(o *core.ArbitrageOpportunity) string {
	return fmt.Sprintf("Funding arbitrage opportunity on %s: long %s / short %s, rate difference %s%%",
		o.Symbol, o.LongVenue, o.ShortVenue, asPercent(o.CurrentDiff))
}

func formatExpired(o *core.ArbitrageOpportunity) string {
	msg := fmt.Sprintf("Opportunity on %s expired: long %s / short %s, peak difference %s%%",
		o.Symbol, o.LongVenue, o.ShortVenue, asPercent(o.MaxDiff))
	if !o.EndedAt.IsZero() && o.EndedAt.After(o.DetectedAt) {
		msg += fmt.Sprintf(", lasted %s", o.EndedAt.Sub(o.DetectedAt).Truncate(time.Second))
	}
	return msg
}

func formatExit(sug events.ExitSuggestion) string {
	pos := sug.Position
	return fmt.Sprintf("Exit suggested for %s (long %s / short %s): %s, APY %s%%, funding PnL %s, price loss %s",
		pos.Symbol, pos.Long.Venue, pos.Short.Venue, sug.Reason,
		sug.CurrentAPY.Round(2).String(), sug.FundingPnL.String(), sug.PriceDiffLoss.String())
}

func asPercent(diff decimal.Decimal) string {
	return diff.Mul(decimal.NewFromInt(100)).Round(4).String()
}
