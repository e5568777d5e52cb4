package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
)

// Repo is an in-memory core.Repository. Values are copied on write and on
// read, so tests observe only state that went through the repository, the
// same way the SQLite store behaves. Single-row lookups return (nil, nil)
// when nothing matches.
type Repo struct {
	mu            sync.RWMutex
	positions     map[string]*core.Position
	trades        []*core.Trade
	apiKeys       map[string]*core.APIKey
	opportunities map[string]*core.ArbitrageOpportunity
	histories     []*core.OpportunityHistory
	webhooks      []*core.NotificationWebhook
	settings      map[string]*core.TradingSettings
	audit         []*core.AuditEvent
}

// NewRepo creates an empty in-memory repository.
func NewRepo() *Repo {
	return &Repo{
		positions:     make(map[string]*core.Position),
		apiKeys:       make(map[string]*core.APIKey),
		opportunities: make(map[string]*core.ArbitrageOpportunity),
		settings:      make(map[string]*core.TradingSettings),
	}
}

func (r *Repo) Positions() core.PositionRepository                    { return (*positionRepo)(r) }
func (r *Repo) Trades() core.TradeRepository                          { return (*tradeRepo)(r) }
func (r *Repo) APIKeys() core.APIKeyRepository                        { return (*apiKeyRepo)(r) }
func (r *Repo) Opportunities() core.OpportunityRepository             { return (*opportunityRepo)(r) }
func (r *Repo) OpportunityHistories() core.OpportunityHistoryRepository { return (*historyRepo)(r) }
func (r *Repo) Webhooks() core.WebhookRepository                      { return (*webhookRepo)(r) }
func (r *Repo) TradingSettings() core.TradingSettingsRepository       { return (*settingsRepo)(r) }
func (r *Repo) AuditLog() core.AuditLogRepository                     { return (*auditRepo)(r) }

// Seeding helpers

// AddWebhook registers a notification webhook.
func (r *Repo) AddWebhook(w *core.NotificationWebhook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.webhooks = append(r.webhooks, &cp)
}

// AuditEvents returns a copy of the recorded audit trail.
func (r *Repo) AuditEvents() []*core.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.AuditEvent, len(r.audit))
	for i, ev := range r.audit {
		cp := *ev
		out[i] = &cp
	}
	return out
}

// Positions

type positionRepo Repo

func (r *positionRepo) Create(ctx context.Context, p *core.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := r.positions[p.ID]; exists {
		return fmt.Errorf("%w: position %s exists", apperrors.ErrConflict, p.ID)
	}
	cp := *p
	r.positions[p.ID] = &cp
	return nil
}

func (r *positionRepo) FindByID(ctx context.Context, id string) (*core.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *positionRepo) FindByUserID(ctx context.Context, userID string) ([]*core.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Position
	for _, p := range r.positions {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortPositions(out)
	return out, nil
}

func (r *positionRepo) FindOpenBySymbol(ctx context.Context, symbol string) ([]*core.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Position
	for _, p := range r.positions {
		if p.Symbol == symbol && p.Status == core.PositionOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortPositions(out)
	return out, nil
}

func (r *positionRepo) Update(ctx context.Context, p *core.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[p.ID]; !ok {
		return fmt.Errorf("%w: position %s not found", apperrors.ErrValidation, p.ID)
	}
	cp := *p
	r.positions[p.ID] = &cp
	return nil
}

func (r *positionRepo) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("%w: position %s not found", apperrors.ErrValidation, id)
	}
	p.Status = core.PositionClosed
	p.ClosedAt = closedAt
	return nil
}

func sortPositions(ps []*core.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].OpenedAt.Before(ps[j].OpenedAt) })
}

// Trades

type tradeRepo Repo

func (r *tradeRepo) Create(ctx context.Context, t *core.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	r.trades = append(r.trades, &cp)
	return nil
}

func (r *tradeRepo) FindByUserID(ctx context.Context, userID string, limit int) ([]*core.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Trade
	for i := len(r.trades) - 1; i >= 0; i-- {
		if r.trades[i].UserID != userID {
			continue
		}
		cp := *r.trades[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// API keys

type apiKeyRepo Repo

func (r *apiKeyRepo) FindByUser(ctx context.Context, userID string, venues []string) ([]*core.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[string]struct{}, len(venues))
	for _, v := range venues {
		want[v] = struct{}{}
	}
	var out []*core.APIKey
	for _, k := range r.apiKeys {
		if k.UserID != userID {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[k.Venue]; !ok {
				continue
			}
		}
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out, nil
}

func (r *apiKeyRepo) Upsert(ctx context.Context, k *core.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	cp := *k
	r.apiKeys[k.UserID+"/"+k.Venue] = &cp
	return nil
}

func (r *apiKeyRepo) Delete(ctx context.Context, userID, venue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apiKeys, userID+"/"+venue)
	return nil
}

// Opportunities

type opportunityRepo Repo

func (r *opportunityRepo) Create(ctx context.Context, o *core.ArbitrageOpportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	cp := *o
	r.opportunities[o.ID] = &cp
	return nil
}

func (r *opportunityRepo) Update(ctx context.Context, o *core.ArbitrageOpportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.opportunities[o.ID]; !ok {
		return fmt.Errorf("%w: opportunity %s not found", apperrors.ErrValidation, o.ID)
	}
	cp := *o
	r.opportunities[o.ID] = &cp
	return nil
}

func (r *opportunityRepo) FindActiveBy(ctx context.Context, symbol, longVenue, shortVenue string) (*core.ArbitrageOpportunity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.opportunities {
		if o.Status == core.OpportunityActive && o.Symbol == symbol &&
			o.LongVenue == longVenue && o.ShortVenue == shortVenue {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *opportunityRepo) FindAllActive(ctx context.Context, limit int) ([]*core.ArbitrageOpportunity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ArbitrageOpportunity
	for _, o := range r.opportunities {
		if o.Status == core.OpportunityActive {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Opportunity histories

type historyRepo Repo

func (r *historyRepo) Create(ctx context.Context, h *core.OpportunityHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	cp := *h
	r.histories = append(r.histories, &cp)
	return nil
}

func (r *historyRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*core.OpportunityHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.OpportunityHistory
	for i := len(r.histories) - 1; i >= 0; i-- {
		if r.histories[i].Symbol != symbol {
			continue
		}
		cp := *r.histories[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Webhooks

type webhookRepo Repo

func (r *webhookRepo) FindEnabledByUserID(ctx context.Context, userID string) ([]*core.NotificationWebhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.NotificationWebhook
	for _, w := range r.webhooks {
		if w.Enabled && w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *webhookRepo) FindAllEnabled(ctx context.Context) ([]*core.NotificationWebhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.NotificationWebhook
	for _, w := range r.webhooks {
		if w.Enabled {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Trading settings

type settingsRepo Repo

func (r *settingsRepo) FindByUserID(ctx context.Context, userID string) (*core.TradingSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[userID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *settingsRepo) Save(ctx context.Context, s *core.TradingSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.settings[s.UserID] = &cp
	return nil
}

// Audit log

type auditRepo Repo

func (r *auditRepo) Record(ctx context.Context, ev *core.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	cp := *ev
	r.audit = append(r.audit, &cp)
	return nil
}
