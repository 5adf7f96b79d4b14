// Package subscription is the composition root exposed to callers: a facade
// over the billing gateway, evaluator, encrypted store, and profile cache.
// It owns the periodic refresh loop and the trial/reminder bookkeeping; it
// contributes no entitlement logic of its own.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"subguard/internal/billing"
	"subguard/internal/profile"
	"subguard/internal/securestore"
	"subguard/internal/types"
)

const (
	// TrialDuration is the one-time local trial window granted on first run.
	TrialDuration = 7 * 24 * time.Hour

	// trialReminderLead is how close to trial expiry the renewal reminder
	// becomes eligible.
	trialReminderLead = 2 * 24 * time.Hour

	// defaultRefreshInterval is the background status poll cadence.
	defaultRefreshInterval = time.Hour
)

// Storage keys for facade state in the encrypted store.
const (
	trialStartedKey  = "subscription.trial_started_at"
	reminderShownKey = "subscription.reminder_shown_at"
)

// BillingGateway is the slice of the gateway the facade depends on.
// Satisfied by *billing.Gateway; fakes implement it in tests.
type BillingGateway interface {
	Purchase(ctx context.Context, productID string) (*types.CustomerInfo, error)
	RestorePurchases(ctx context.Context) (types.RestoreOutcome, error)
	GetCustomerInfo(ctx context.Context) (*types.CustomerInfo, bool)
	ValidateStoredReceiptOffline(ctx context.Context) bool
	ClearCachedState(ctx context.Context)
}

// Service is the caller-facing subscription facade.
type Service struct {
	gateway   BillingGateway
	evaluator *billing.Evaluator
	store     *securestore.Store
	profiles  *profile.Cache
	logger    *slog.Logger

	refreshEvery time.Duration
	nowFn        func() time.Time

	mu             sync.Mutex
	lastStatus     types.SubscriptionStatus
	trialStartedAt time.Time
	reminderShown  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithRefreshInterval overrides the hourly background poll cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshEvery = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Service) { s.nowFn = nowFn }
}

// NewService creates the facade. Call Start to bootstrap trial state and
// begin the refresh loop; Stop to halt it.
func NewService(gateway BillingGateway, evaluator *billing.Evaluator, store *securestore.Store, profiles *profile.Cache, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		gateway:      gateway,
		evaluator:    evaluator,
		store:        store,
		profiles:     profiles,
		logger:       logger,
		refreshEvery: defaultRefreshInterval,
		nowFn:        time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start performs the one-time trial bootstrap, an immediate status refresh,
// and launches the hourly background poll.
func (s *Service) Start(ctx context.Context) {
	s.bootstrapTrial(ctx)
	s.loadReminderState(ctx)
	s.Refresh(ctx)

	s.loopWG.Add(1)
	go s.refreshLoop()
}

// Stop halts the background poll. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWG.Wait()
}

func (s *Service) refreshLoop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.Refresh(ctx)
			cancel()
		}
	}
}

// bootstrapTrial records the trial start on first run. Subsequent runs read
// the persisted timestamp; the trial never restarts on its own.
func (s *Service) bootstrapTrial(ctx context.Context) {
	var startedAt time.Time
	ok, err := s.store.GetDecrypted(ctx, trialStartedKey, &startedAt)
	if err != nil {
		s.logger.Warn("reading trial state failed", "error", err)
	}
	if !ok || startedAt.IsZero() {
		startedAt = s.nowFn().UTC()
		if err := s.store.SetEncrypted(ctx, trialStartedKey, startedAt); err != nil {
			s.logger.Warn("persisting trial start failed", "error", err)
		}
		s.logger.Info("trial started", "started_at", startedAt)
	}

	s.mu.Lock()
	s.trialStartedAt = startedAt
	s.mu.Unlock()
}

func (s *Service) loadReminderState(ctx context.Context) {
	var shownAt time.Time
	ok, err := s.store.GetDecrypted(ctx, reminderShownKey, &shownAt)
	if err != nil {
		s.logger.Warn("reading reminder state failed", "error", err)
	}
	if ok {
		s.mu.Lock()
		s.reminderShown = shownAt
		s.mu.Unlock()
	}
}

// Refresh fetches the best available customer info and recomputes the
// derived status. Never fails: offline it resolves to the best cached
// answer, ultimately "not entitled".
func (s *Service) Refresh(ctx context.Context) types.SubscriptionStatus {
	info, live := s.gateway.GetCustomerInfo(ctx)
	st := s.computeStatus(ctx, info, live)

	s.mu.Lock()
	s.lastStatus = st
	s.mu.Unlock()
	return st
}

// computeStatus derives the status from a snapshot, bounding purely-offline
// "active" claims by the receipt staleness ceiling and folding in the local
// trial window.
func (s *Service) computeStatus(ctx context.Context, info *types.CustomerInfo, live bool) types.SubscriptionStatus {
	st := s.evaluator.Status(info)

	// A cached snapshot may claim an active entitlement indefinitely. When
	// the claim rests on the provider's flag alone (not on grace math,
	// which is bounded by the expiration date), require a fresh receipt.
	if st.IsActive && !st.InGracePeriod && !live {
		if !s.gateway.ValidateStoredReceiptOffline(ctx) {
			s.logger.Warn("offline entitlement claim rejected by receipt check")
			st = types.SubscriptionStatus{ExpirationDate: st.ExpirationDate}
		}
	}

	if !st.IsActive {
		if remaining, in := s.trialRemaining(); in {
			st.IsActive = true
			st.InTrial = true
			st.DaysRemaining = int(remaining / (24 * time.Hour))
		}
	}
	return st
}

// trialRemaining reports the remaining trial duration and whether the trial
// window is still open.
func (s *Service) trialRemaining() (time.Duration, bool) {
	s.mu.Lock()
	startedAt := s.trialStartedAt
	s.mu.Unlock()
	if startedAt.IsZero() {
		return 0, false
	}
	remaining := TrialDuration - s.nowFn().Sub(startedAt)
	return remaining, remaining > 0
}

// GetStatus recomputes the status on demand, refreshing from the provider
// when reachable.
func (s *Service) GetStatus(ctx context.Context) types.SubscriptionStatus {
	return s.Refresh(ctx)
}

// LastStatus returns the most recently computed status without touching the
// network or storage.
func (s *Service) LastStatus() types.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Activate purchases the plan's product and re-reads the status.
func (s *Service) Activate(ctx context.Context, planID string) (types.SubscriptionStatus, error) {
	if planID == "" {
		return s.LastStatus(), types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan id is required", nil)
	}
	if _, err := s.gateway.Purchase(ctx, planID); err != nil {
		return s.LastStatus(), err
	}
	return s.Refresh(ctx), nil
}

// Restore re-links prior purchases and re-reads the status.
func (s *Service) Restore(ctx context.Context) (types.RestoreOutcome, error) {
	outcome, err := s.gateway.RestorePurchases(ctx)
	if err != nil {
		return outcome, err
	}
	s.Refresh(ctx)
	return outcome, nil
}

// Reset clears all persisted subscription state (billing snapshot, receipt,
// trial, reminder) and re-reads the status. The trial does not restart
// until the next Start.
func (s *Service) Reset(ctx context.Context) types.SubscriptionStatus {
	s.gateway.ClearCachedState(ctx)
	if err := s.store.Delete(ctx, trialStartedKey); err != nil {
		s.logger.Warn("clearing trial state failed", "error", err)
	}
	if err := s.store.Delete(ctx, reminderShownKey); err != nil {
		s.logger.Warn("clearing reminder state failed", "error", err)
	}

	s.mu.Lock()
	s.trialStartedAt = time.Time{}
	s.reminderShown = time.Time{}
	s.mu.Unlock()

	return s.Refresh(ctx)
}

// MarkReminderShown records that the renewal reminder was displayed.
func (s *Service) MarkReminderShown(ctx context.Context) {
	now := s.nowFn().UTC()
	s.mu.Lock()
	s.reminderShown = now
	s.mu.Unlock()
	if err := s.store.SetEncrypted(ctx, reminderShownKey, now); err != nil {
		s.logger.Warn("persisting reminder state failed", "error", err)
	}
}

// ShouldShowReminder reports whether the renewal reminder is due: the
// subscription is in its grace period, or the trial is within its final two
// days, and the reminder has not been shown since the current reminder
// period began.
func (s *Service) ShouldShowReminder(ctx context.Context) bool {
	st := s.LastStatus()

	var periodStart time.Time
	switch {
	case st.InGracePeriod && st.ExpirationDate != nil:
		periodStart = *st.ExpirationDate
	case st.InTrial:
		remaining, in := s.trialRemaining()
		if !in || remaining > trialReminderLead {
			return false
		}
		s.mu.Lock()
		periodStart = s.trialStartedAt.Add(TrialDuration - trialReminderLead)
		s.mu.Unlock()
	default:
		return false
	}

	s.mu.Lock()
	shownAt := s.reminderShown
	s.mu.Unlock()
	return shownAt.IsZero() || shownAt.Before(periodStart)
}

// IsFeatureAvailable reports whether gated features should be unlocked.
// Grace period and trial both count as available.
func (s *Service) IsFeatureAvailable(ctx context.Context) bool {
	return s.LastStatus().IsActive
}

// Profile returns the cached profile for uid, if any.
func (s *Service) Profile(ctx context.Context, uid string) (*types.UserProfile, bool) {
	return s.profiles.GetProfile(ctx, uid)
}

// SaveProfile writes the profile across all tiers.
func (s *Service) SaveProfile(ctx context.Context, uid string, p *types.UserProfile) error {
	return s.profiles.SetProfile(ctx, uid, p)
}

// ClearProfile removes the profile from all tiers, best effort.
func (s *Service) ClearProfile(ctx context.Context, uid string) {
	s.profiles.ClearProfile(ctx, uid)
}
