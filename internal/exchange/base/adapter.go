// Package base provides common scaffolding for venue adapters
package base

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	pkghttp "funding_arb/pkg/http"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const eventBuffer = 512

// SignFunc is a venue-specific request signer. Credentials are resolved per
// call and zeroed by the caller after the function returns.
type SignFunc func(req *http.Request, body []byte, creds *core.Credentials) error

// ParseErrorFunc maps a venue error body to a kind-tagged error. Returning
// nil means the body carried no venue error.
type ParseErrorFunc func(body []byte) error

// CredentialSigner resolves credentials for each request, signs it, and
// zeroes the buffers before returning.
type CredentialSigner struct {
	Venue string
	Creds core.CredentialsFunc
	Sign  SignFunc
}

// SignRequest implements the http client's Signer hook.
func (s *CredentialSigner) SignRequest(req *http.Request) error {
	creds, err := s.Creds(req.Context())
	if err != nil {
		return err
	}
	defer creds.Zero()
	if creds.Empty() {
		return apperrors.Venue(s.Venue, req.URL.Path, "", "no credentials configured", apperrors.ErrCredentialMissing)
	}

	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return err
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	return s.Sign(req, body, creds)
}

// Adapter carries the plumbing every venue adapter shares: rate-limited REST
// clients, the subscription set, subscribe acknowledgement bookkeeping, and
// the outbound event channel.
type Adapter struct {
	venue  string
	Cfg    config.VenueConfig
	Logger core.ILogger

	public  *pkghttp.Client
	private *pkghttp.Client
	limiter *rate.Limiter

	parseError ParseErrorFunc

	subMu sync.RWMutex
	subs  map[string]struct{}

	ackMu sync.Mutex
	acks  map[string]chan error

	evMu     sync.RWMutex
	events   chan core.AdapterEvent
	evClosed bool

	connected atomic.Bool
}

// NewAdapter builds the shared adapter core. restURL is the resolved REST
// base (config override already applied). credsFn and sign may be nil for a
// public market-data adapter; signed calls then fail with a credential error.
func NewAdapter(venue string, cfg config.VenueConfig, restURL string, credsFn core.CredentialsFunc, sign SignFunc, logger core.ILogger) *Adapter {
	a := &Adapter{
		venue:  venue,
		Cfg:    cfg,
		Logger: logger.WithField("venue", venue),
		public: pkghttp.NewClient(restURL, cfg.RequestTimeout(), nil),
		subs:   make(map[string]struct{}),
		acks:   make(map[string]chan error),
		events: make(chan core.AdapterEvent, eventBuffer),
	}

	if credsFn != nil && sign != nil {
		signer := &CredentialSigner{Venue: venue, Creds: credsFn, Sign: sign}
		a.private = pkghttp.NewClient(restURL, cfg.RequestTimeout(), signer)
	}

	if cfg.RestRatePerSec > 0 {
		burst := int(cfg.RestRatePerSec)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RestRatePerSec), burst)
	}

	return a
}

// Venue returns the canonical venue identifier.
func (a *Adapter) Venue() string {
	return a.venue
}

// SetParseError sets the venue-specific error body parser.
func (a *Adapter) SetParseError(fn ParseErrorFunc) {
	a.parseError = fn
}

// HasCredentials reports whether signed calls are possible.
func (a *Adapter) HasCredentials() bool {
	return a.private != nil
}

// MarkConnected records the streaming transport state.
func (a *Adapter) MarkConnected(up bool) {
	a.connected.Store(up)
}

// IsConnected reports whether the streaming transport is up.
func (a *Adapter) IsConnected() bool {
	return a.connected.Load()
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// Get performs a rate-limited unsigned GET.
func (a *Adapter) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.public.Get(ctx, path, params)
}

// SignedGet performs a rate-limited signed GET.
func (a *Adapter) SignedGet(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if a.private == nil {
		return nil, apperrors.Venue(a.venue, path, "", "no credentials configured", apperrors.ErrCredentialMissing)
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.private.Get(ctx, path, params)
}

// SignedPost performs a rate-limited signed POST with retries. Only use it
// for idempotent writes; order placement goes through SignedPostOnce.
func (a *Adapter) SignedPost(ctx context.Context, path string, body interface{}) ([]byte, error) {
	if a.private == nil {
		return nil, apperrors.Venue(a.venue, path, "", "no credentials configured", apperrors.ErrCredentialMissing)
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.private.Post(ctx, path, body)
}

// SignedPostOnce performs a signed POST without the retry policy, for
// non-idempotent writes whose failure outcome must be reconciled by query.
func (a *Adapter) SignedPostOnce(ctx context.Context, path string, body interface{}) ([]byte, error) {
	if a.private == nil {
		return nil, apperrors.Venue(a.venue, path, "", "no credentials configured", apperrors.ErrCredentialMissing)
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.private.PostOnce(ctx, path, body)
}

// SignedDelete performs a rate-limited signed DELETE.
func (a *Adapter) SignedDelete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if a.private == nil {
		return nil, apperrors.Venue(a.venue, path, "", "no credentials configured", apperrors.ErrCredentialMissing)
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.private.Delete(ctx, path, params)
}

// RestError classifies a REST failure. API error bodies are first offered to
// the venue's parser, then mapped by HTTP status; everything below the HTTP
// layer becomes a transport error.
func (a *Adapter) RestError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		if a.parseError != nil {
			if perr := a.parseError(apiErr.Body); perr != nil {
				return perr
			}
		}
		code := strconv.Itoa(apiErr.StatusCode)
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return apperrors.Venue(a.venue, op, code, "rate limited", apperrors.ErrRateLimit)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return apperrors.Venue(a.venue, op, code, string(apiErr.Body), apperrors.ErrCredentialInvalid)
		case apiErr.StatusCode >= 500:
			return apperrors.Venue(a.venue, op, code, string(apiErr.Body), apperrors.ErrTransport)
		default:
			return apperrors.Venue(a.venue, op, code, string(apiErr.Body), apperrors.ErrAPI)
		}
	}

	return apperrors.Transport(a.venue, op, err)
}

// AddSubscriptions records symbols in the subscription set and returns the
// ones that were not present before.
func (a *Adapter) AddSubscriptions(symbols []string) []string {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := a.subs[s]; ok {
			continue
		}
		a.subs[s] = struct{}{}
		added = append(added, s)
	}
	return added
}

// RemoveSubscriptions removes symbols and returns the ones actually removed.
func (a *Adapter) RemoveSubscriptions(symbols []string) []string {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	removed := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := a.subs[s]; !ok {
			continue
		}
		delete(a.subs, s)
		removed = append(removed, s)
	}
	return removed
}

// SubscribedSymbols returns the subscription set in sorted order.
func (a *Adapter) SubscribedSymbols() []string {
	a.subMu.RLock()
	defer a.subMu.RUnlock()

	out := make([]string, 0, len(a.subs))
	for s := range a.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SubscriptionCount returns the subscription set size.
func (a *Adapter) SubscriptionCount() int {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	return len(a.subs)
}

// ExpectAck registers a pending acknowledgement key before the subscribe
// request is sent, so the ack cannot race the wait.
func (a *Adapter) ExpectAck(key string) {
	a.ackMu.Lock()
	defer a.ackMu.Unlock()
	if _, ok := a.acks[key]; !ok {
		a.acks[key] = make(chan error, 1)
	}
}

// ResolveAck completes a pending acknowledgement. Unknown keys are ignored;
// re-subscribes after a reconnect ack without anyone waiting.
func (a *Adapter) ResolveAck(key string, err error) {
	a.ackMu.Lock()
	ch, ok := a.acks[key]
	a.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (a *Adapter) dropAcks(keys []string) {
	a.ackMu.Lock()
	defer a.ackMu.Unlock()
	for _, k := range keys {
		delete(a.acks, k)
	}
}

// WaitAcks blocks until every key is acknowledged, the subscribe timeout
// elapses, or the context ends. The timeout covers the whole batch.
func (a *Adapter) WaitAcks(ctx context.Context, op string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	defer a.dropAcks(keys)

	timeout := a.Cfg.SubscribeTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, key := range keys {
		a.ackMu.Lock()
		ch := a.acks[key]
		a.ackMu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case err := <-ch:
			if err != nil {
				return err
			}
		case <-timer.C:
			return apperrors.Venue(a.venue, op, "", "no acknowledgement for "+key, apperrors.ErrSubscribeTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Events returns the adapter's event channel.
func (a *Adapter) Events() <-chan core.AdapterEvent {
	return a.events
}

// Emit publishes an event without blocking. A lagging consumer sees funding
// state refreshed by the venue on the next tick, so overflow drops the event
// with a warning instead of stalling the read loop.
func (a *Adapter) Emit(ev core.AdapterEvent) {
	if ev.Venue == "" {
		ev.Venue = a.venue
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	a.evMu.RLock()
	defer a.evMu.RUnlock()
	if a.evClosed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.Logger.Warn("Adapter event dropped", "type", string(ev.Type))
	}
}

// EmitFundingRate publishes a funding-rate observation.
func (a *Adapter) EmitFundingRate(fr *core.FundingRate) {
	a.Emit(core.AdapterEvent{Type: core.AdapterEventFundingRate, Rate: fr})
}

// EmitMarkPrice publishes a mark-price observation.
func (a *Adapter) EmitMarkPrice(mp *core.MarkPrice) {
	a.Emit(core.AdapterEvent{Type: core.AdapterEventMarkPrice, Mark: mp})
}

// EmitOrderUpdate publishes an order update.
func (a *Adapter) EmitOrderUpdate(o *core.Order) {
	a.Emit(core.AdapterEvent{Type: core.AdapterEventOrderUpdate, Order: o})
}

// EmitConnected publishes a transport-up event.
func (a *Adapter) EmitConnected() {
	a.Emit(core.AdapterEvent{Type: core.AdapterEventConnected})
}

// EmitDisconnected publishes a transport-down event.
func (a *Adapter) EmitDisconnected() {
	a.Emit(core.AdapterEvent{Type: core.AdapterEventDisconnected})
}

// EmitError publishes an adapter-level error.
func (a *Adapter) EmitError(err error) {
	a.Emit(core.AdapterEvent{Type: core.AdapterEventError, Err: err})
}

// CloseEvents closes the event channel. Safe to call more than once.
func (a *Adapter) CloseEvents() {
	a.evMu.Lock()
	defer a.evMu.Unlock()
	if a.evClosed {
		return
	}
	a.evClosed = true
	close(a.events)
}

// ParseDecimal parses a venue decimal string, logging and zeroing on failure.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("Failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseUnixMilli converts a millisecond timestamp, zero time for zero input.
func (a *Adapter) ParseUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ParseUnixSec converts a second timestamp, zero time for zero input.
func (a *Adapter) ParseUnixSec(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// BaseOfUSDT splits the base asset off a canonical USDT perpetual symbol.
func BaseOfUSDT(symbol string) (string, bool) {
	s := strings.ToUpper(symbol)
	if len(s) <= 4 || !strings.HasSuffix(s, "USDT") {
		return "", false
	}
	return strings.TrimSuffix(s, "USDT"), true
}
