package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dashboard/internal/config"
	"github.com/unclebandit/campaign-dashboard/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/reconciler"
	"github.com/unclebandit/campaign-dashboard/internal/repository"
	"github.com/unclebandit/campaign-dashboard/internal/service"
)

const initialLoadTimeout = 30 * time.Second

// Campaigns builds the two campaign definitions from configuration.
func Campaigns(cfg *config.Config) []model.Campaign {
	return []model.Campaign{
		{
			Kind:           model.CampaignBirthday,
			Collection:     model.CollectionBirthdays,
			BaseTemplate:   cfg.Templates.Birthday,
			SendCommand:    dispatch.CommandSendBirthday,
			CollectCommand: dispatch.CommandCollectBirthday,
			SendURL:        cfg.Webhooks.BirthdaySendURL,
			CollectURL:     cfg.Webhooks.BirthdayCollectURL,
		},
		{
			Kind:           model.CampaignBilling,
			Collection:     model.CollectionBilling,
			BaseTemplate:   cfg.Templates.Billing,
			SendCommand:    dispatch.CommandSendBilling,
			CollectCommand: dispatch.CommandCollectBilling,
			SendURL:        cfg.Webhooks.BillingSendURL,
			CollectURL:     cfg.Webhooks.BillingCollectURL,
		},
	}
}

// Scope is everything opened for one company: a reconciler, a listener and
// a service per campaign.
type Scope struct {
	Company   model.Company
	campaigns map[model.CampaignKind]*service.CampaignService
	listeners map[model.CampaignKind]*feed.Listener
	recs      []*reconciler.Reconciler
	closeOnce sync.Once
}

// Campaign returns the service of a campaign kind.
func (s *Scope) Campaign(kind model.CampaignKind) (*service.CampaignService, error) {
	svc, ok := s.campaigns[kind]
	if !ok {
		return nil, &appErrors.ErrUnknownCampaign{Name: string(kind)}
	}
	return svc, nil
}

// ListenerStates reports the live-update state per campaign.
func (s *Scope) ListenerStates() map[model.CampaignKind]feed.State {
	out := make(map[model.CampaignKind]feed.State, len(s.listeners))
	for kind, l := range s.listeners {
		out[kind] = l.State()
	}
	return out
}

// Close tears the scope down: listeners first so no event reaches a closed
// reconciler.
func (s *Scope) Close() {
	s.closeOnce.Do(func() {
		for _, l := range s.listeners {
			l.Close()
		}
		for _, r := range s.recs {
			r.Close()
		}
	})
}

// Manager owns the single active company scope.
type Manager struct {
	Config     *config.Config
	StoreFor   func(model.Collection) repository.RecordStore
	Source     feed.Source
	Dispatcher service.Dispatcher
	Notices    service.Notifier
	Logger     zerolog.Logger

	mu      sync.Mutex
	current *Scope
	opening map[string]chan struct{}
	closed  bool
}

// Resolve maps a requested company id to a configured company. Empty and
// unknown ids fall back to the default company.
func (m *Manager) Resolve(companyID string) model.Company {
	if companyID == "" {
		companyID = m.Config.DefaultCompany
	}
	if co, ok := m.Config.Company(companyID); ok {
		return co
	}
	m.Logger.Warn().Str("company", companyID).Str("fallback", m.Config.DefaultCompany).Msg("unknown company, using default")
	co, _ := m.Config.Company(m.Config.DefaultCompany)
	return co
}

// Activate returns the scope of companyID, replacing the active scope when
// the company differs. Nothing of the old scope carries over. The scope is
// opened outside the lock; concurrent callers for the same company wait for
// one open.
func (m *Manager) Activate(ctx context.Context, companyID string) (*Scope, error) {
	company := m.Resolve(companyID)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, appErrors.ErrScopeClosed
		}
		if m.current != nil && m.current.Company.ID == company.ID {
			scope := m.current
			m.mu.Unlock()
			return scope, nil
		}
		if wait, ok := m.opening[company.ID]; ok {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if m.opening == nil {
			m.opening = map[string]chan struct{}{}
		}
		done := make(chan struct{})
		m.opening[company.ID] = done
		m.mu.Unlock()

		scope := m.open(company)

		m.mu.Lock()
		delete(m.opening, company.ID)
		close(done)
		if m.closed {
			m.mu.Unlock()
			scope.Close()
			return nil, appErrors.ErrScopeClosed
		}
		previous := m.current
		m.current = scope
		m.mu.Unlock()

		if previous != nil {
			m.Logger.Info().Str("from", previous.Company.ID).Str("to", company.ID).Msg("switching company")
			previous.Close()
		}
		return scope, nil
	}
}

// Current returns the active scope, if any.
func (m *Manager) Current() *Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close tears down the active scope. Later Activate calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

func (m *Manager) open(company model.Company) *Scope {
	cfg := m.Config
	scope := &Scope{
		Company:   company,
		campaigns: map[model.CampaignKind]*service.CampaignService{},
		listeners: map[model.CampaignKind]*feed.Listener{},
	}

	for _, campaign := range Campaigns(cfg) {
		logger := m.Logger.With().Str("campaign", string(campaign.Kind)).Str("company", company.ID).Logger()

		svc := &service.CampaignService{
			Campaign:   campaign,
			Company:    company,
			Dispatcher: m.Dispatcher,
			Notices:    m.Notices,
			Templates:  service.TemplateService{FallbackName: cfg.Templates.FallbackName},
			Logger:     logger,
		}
		rec := reconciler.New(reconciler.Config{
			Collection:       campaign.Collection,
			CompanyID:        company.ID,
			Store:            m.StoreFor(campaign.Collection),
			GraceWindow:      cfg.Reconcile.GraceWindow,
			EditIdle:         cfg.Reconcile.EditIdle,
			RefetchDelay:     cfg.Reconcile.RefetchDelay,
			Logger:           logger,
			OnExternalChange: svc.ExternalChange,
		})
		svc.Reconciler = rec

		// the scope outlives the request that opened it
		loadCtx, cancel := context.WithTimeout(context.Background(), initialLoadTimeout)
		if err := svc.Refresh(loadCtx); err != nil {
			logger.Error().Err(err).Msg("initial load failed")
		}
		cancel()

		listener := feed.Open(m.Source, svc, feed.Options{
			Collection:       campaign.Collection,
			CompanyID:        company.ID,
			PollInterval:     pollInterval(cfg, campaign.Kind),
			SubscribeTimeout: cfg.Feed.SubscribeTimeout,
			Retryer:          feed.NewExponentialBackoff(cfg.Feed.ReconnectInitialBackoff, cfg.Feed.ReconnectMaxBackoff),
			Logger:           logger,
			OnStateChange:    svc.ListenerStateChanged,
		})

		scope.campaigns[campaign.Kind] = svc
		scope.recs = append(scope.recs, rec)
		scope.listeners[campaign.Kind] = listener
	}

	m.Logger.Info().Str("company", company.ID).Msg("company scope opened")
	return scope
}

func pollInterval(cfg *config.Config, kind model.CampaignKind) time.Duration {
	if kind == model.CampaignBilling {
		return cfg.Feed.BillingPollInterval
	}
	return cfg.Feed.BirthdayPollInterval
}
