package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"subguard/internal/provider"
	"subguard/internal/securestore"
	"subguard/internal/types"
)

// Storage keys for the encrypted store.
const (
	customerInfoKey = "billing.customer_info"
	receiptKey      = "billing.receipt"
)

// initFlightKey is the singleflight key for one-time provider configuration.
const initFlightKey = "init"

// Gateway is the call surface over the billing provider. It owns the only
// mutable shared state in the core: the initialization flag and the
// in-memory cached CustomerInfo, both mutex-guarded. Purchase flows are
// serialized so concurrent attempts cannot interleave their retries.
type Gateway struct {
	provider  provider.Provider
	store     *securestore.Store
	evaluator *Evaluator
	logger    *slog.Logger
	apiKey    types.SecretString

	initGroup singleflight.Group

	mu          sync.Mutex
	initialized bool
	cached      *types.CustomerInfo

	// purchaseMu admits one purchase flow at a time.
	purchaseMu sync.Mutex

	sleepFn func(time.Duration)
	nowFn   func() time.Time
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithSleepFunc overrides the inter-attempt sleep. Intended for tests.
func WithSleepFunc(fn func(time.Duration)) GatewayOption {
	return func(g *Gateway) { g.sleepFn = fn }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(nowFn func() time.Time) GatewayOption {
	return func(g *Gateway) { g.nowFn = nowFn }
}

// NewGateway creates a Gateway. Initialization of the provider is lazy:
// every operation triggers it if it has not happened yet, and concurrent
// first calls share a single configuration attempt.
func NewGateway(p provider.Provider, store *securestore.Store, evaluator *Evaluator, apiKey types.SecretString, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		provider:  p,
		store:     store,
		evaluator: evaluator,
		logger:    logger,
		apiKey:    apiKey,
		sleepFn:   time.Sleep,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Initialize configures the provider if it has not been configured yet.
// Safe to call concurrently and repeatedly.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	done := g.initialized
	g.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := g.initGroup.Do(initFlightKey, func() (any, error) {
		if err := g.provider.Configure(ctx, g.apiKey.Unmask()); err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.initialized = true
		g.mu.Unlock()
		g.logger.Info("billing provider configured")
		return nil, nil
	})
	if err != nil {
		return mapProviderError("initialize", err)
	}
	return nil
}

// Purchase resolves productID to a purchasable package, executes the
// purchase, and verifies the configured entitlement became active. The whole
// flow (resolution included) retries only network-classified failures, as a
// bounded loop with a fixed delay; product-not-found, cancellation,
// not-allowed, and completed-but-inactive outcomes are terminal. One
// purchase flow runs at a time.
func (g *Gateway) Purchase(ctx context.Context, productID string) (*types.CustomerInfo, error) {
	g.purchaseMu.Lock()
	defer g.purchaseMu.Unlock()

	if err := g.Initialize(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		// Resolution is part of the retried flow: a network-classified
		// failure here consumes an attempt like one during the purchase
		// call. Not-found and other resolution failures stay terminal.
		pkg, err := g.resolvePackage(ctx, productID)
		if err != nil {
			if provider.IsNetwork(err) {
				if retryErr := g.nextAttempt(productID, attempt, err); retryErr != nil {
					return nil, retryErr
				}
				continue
			}
			return nil, err
		}

		info, err := g.provider.PurchasePackage(ctx, pkg)
		if err != nil {
			switch {
			case provider.IsCancelled(err):
				return nil, types.NewAppError(types.ErrCodePurchaseCancelled, "purchase cancelled by user", err)
			case provider.IsNotAllowed(err):
				return nil, types.NewAppError(types.ErrCodePurchaseNotAllowed, "purchases are not allowed for this account", err)
			case provider.IsNetwork(err):
				if retryErr := g.nextAttempt(productID, attempt, err); retryErr != nil {
					return nil, retryErr
				}
				continue
			default:
				return nil, types.NewAppError(types.ErrCodeUpstreamProvider, "purchase failed", err)
			}
		}

		// The transaction completed; retrying it would be unsafe, so an
		// inactive entitlement here is a terminal provider inconsistency.
		ent, ok := info.Entitlement(g.evaluator.EntitlementID())
		if !ok || !ent.IsActive {
			g.logger.Error("purchase completed but entitlement not active",
				"product_id", productID,
				"entitlement", g.evaluator.EntitlementID(),
			)
			return nil, types.NewAppError(
				types.ErrCodePurchaseEntitlementInactive,
				"purchase completed but entitlement not active",
				nil,
			)
		}

		g.persistCustomerInfo(ctx, &info)
		g.persistFreshReceipt(ctx, &info)
		g.logger.Info("purchase succeeded", "product_id", productID, "attempt", attempt)
		return &info, nil
	}
}

// nextAttempt decides whether another purchase attempt may run after a
// network-classified failure. It returns the terminal exhaustion error when
// the attempt budget is spent, otherwise sleeps the fixed delay and returns
// nil so the caller loops.
func (g *Gateway) nextAttempt(productID string, attempt int, cause error) error {
	if attempt >= MaxPurchaseAttempts {
		g.logger.Warn("purchase failed after exhausting attempts",
			"product_id", productID,
			"attempts", attempt,
		)
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamUnavailable,
			"network error during purchase, please try again later",
			cause,
			map[string]any{"attempts": attempt},
		)
	}
	g.logger.Info("purchase attempt hit network error, retrying",
		"product_id", productID,
		"attempt", attempt,
	)
	g.sleepFn(PurchaseRetryDelay)
	return nil
}

// resolvePackage scans all current offerings for a package selling
// productID. Not-found is terminal and happens before any purchase call.
func (g *Gateway) resolvePackage(ctx context.Context, productID string) (types.Package, error) {
	offerings, err := g.provider.GetOfferings(ctx)
	if err != nil {
		return types.Package{}, mapProviderError("resolve product", err)
	}
	for _, offering := range offerings {
		for _, pkg := range offering.Packages {
			if pkg.ProductID == productID {
				return pkg, nil
			}
		}
	}
	return types.Package{}, types.NewAppError(types.ErrCodePurchaseProductNotFound, "Product not found", nil)
}

// RestorePurchases invokes the provider restore, persists the returned
// snapshot, then independently re-validates it through the offline receipt
// check. A restore that yields no currently-valid entitlement is a distinct
// outcome, not an error.
func (g *Gateway) RestorePurchases(ctx context.Context) (types.RestoreOutcome, error) {
	if err := g.Initialize(ctx); err != nil {
		return types.RestoreOutcome{}, err
	}

	info, err := g.provider.RestorePurchases(ctx)
	if err != nil {
		return types.RestoreOutcome{}, mapProviderError("restore", err)
	}

	g.persistCustomerInfo(ctx, &info)
	receipt := g.persistFreshReceipt(ctx, &info)

	if !g.evaluator.ValidateReceiptOffline(receipt) {
		g.logger.Info("restore yielded no valid purchases")
		return types.RestoreOutcome{Restored: false, CustomerInfo: &info}, nil
	}
	return types.RestoreOutcome{Restored: true, CustomerInfo: &info}, nil
}

// GetCustomerInfo fetches a live snapshot when possible. On failure it falls
// back first to the in-memory cached value, then to the encrypted persisted
// value; the returned flag reports whether the snapshot came from a live
// fetch. A nil result means both fallbacks were empty.
func (g *Gateway) GetCustomerInfo(ctx context.Context) (*types.CustomerInfo, bool) {
	if err := g.Initialize(ctx); err != nil {
		g.logger.Warn("provider initialization failed, using cached customer info", "error", err)
		return g.cachedOrPersisted(ctx), false
	}

	info, err := g.provider.GetCustomerInfo(ctx)
	if err != nil {
		g.logger.Warn("live customer info fetch failed, using cached value", "error", err)
		return g.cachedOrPersisted(ctx), false
	}

	g.persistCustomerInfo(ctx, &info)
	g.touchReceiptContact(ctx, &info)
	return &info, true
}

// cachedOrPersisted returns the in-memory snapshot if present, otherwise the
// persisted one.
func (g *Gateway) cachedOrPersisted(ctx context.Context) *types.CustomerInfo {
	g.mu.Lock()
	cached := g.cached
	g.mu.Unlock()
	if cached != nil {
		return cached
	}

	var info types.CustomerInfo
	ok, err := g.store.GetDecrypted(ctx, customerInfoKey, &info)
	if err != nil {
		g.logger.Warn("persisted customer info unreadable", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	g.mu.Lock()
	g.cached = &info
	g.mu.Unlock()
	return &info
}

// GetOfferings is a passthrough with logging.
func (g *Gateway) GetOfferings(ctx context.Context) (map[string]types.Offering, error) {
	if err := g.Initialize(ctx); err != nil {
		return nil, err
	}
	offerings, err := g.provider.GetOfferings(ctx)
	if err != nil {
		g.logger.Warn("offerings fetch failed", "error", err)
		return nil, mapProviderError("get offerings", err)
	}
	return offerings, nil
}

// LogIn binds the provider session to userID and replaces the cached
// snapshot with the new subscriber's.
func (g *Gateway) LogIn(ctx context.Context, userID string) (*types.CustomerInfo, error) {
	if err := g.Initialize(ctx); err != nil {
		return nil, err
	}
	info, err := g.provider.LogIn(ctx, userID)
	if err != nil {
		return nil, mapProviderError("log in", err)
	}
	g.persistCustomerInfo(ctx, &info)
	return &info, nil
}

// LogOut reverts the provider session to anonymous and clears the cached
// and persisted billing state, since it belongs to the previous identity.
func (g *Gateway) LogOut(ctx context.Context) error {
	if err := g.Initialize(ctx); err != nil {
		return err
	}
	if err := g.provider.LogOut(ctx); err != nil {
		return mapProviderError("log out", err)
	}
	g.ClearCachedState(ctx)
	return nil
}

// ClearCachedState drops the in-memory snapshot and the persisted customer
// info and receipt. Storage failures are logged, never fatal.
func (g *Gateway) ClearCachedState(ctx context.Context) {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()

	if err := g.store.Delete(ctx, customerInfoKey); err != nil {
		g.logger.Warn("clearing persisted customer info failed", "error", err)
	}
	if err := g.store.Delete(ctx, receiptKey); err != nil {
		g.logger.Warn("clearing persisted receipt failed", "error", err)
	}
}

// CachedCustomerInfo returns the in-memory snapshot without touching the
// network or storage.
func (g *Gateway) CachedCustomerInfo() *types.CustomerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cached
}

// LatestReceipt loads the persisted receipt.
func (g *Gateway) LatestReceipt(ctx context.Context) (*types.PurchaseReceipt, bool) {
	var receipt types.PurchaseReceipt
	ok, err := g.store.GetDecrypted(ctx, receiptKey, &receipt)
	if err != nil {
		g.logger.Warn("persisted receipt unreadable", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &receipt, true
}

// ValidateStoredReceiptOffline runs the conservative offline check against
// the persisted receipt and records the validation attempt.
func (g *Gateway) ValidateStoredReceiptOffline(ctx context.Context) bool {
	receipt, ok := g.LatestReceipt(ctx)
	if !ok {
		return false
	}

	valid := g.evaluator.ValidateReceiptOffline(receipt)

	receipt.ValidationAttempts++
	if err := g.store.SetEncrypted(ctx, receiptKey, receipt); err != nil {
		g.logger.Warn("recording receipt validation attempt failed", "error", err)
	}
	return valid
}

// persistCustomerInfo writes the snapshot through the encrypted store and
// updates the in-memory cache. Storage failures are logged, never fatal:
// the in-memory value remains authoritative.
func (g *Gateway) persistCustomerInfo(ctx context.Context, info *types.CustomerInfo) {
	g.mu.Lock()
	g.cached = info
	g.mu.Unlock()

	if err := g.store.SetEncrypted(ctx, customerInfoKey, info); err != nil {
		g.logger.Warn("persisting customer info failed", "error", err)
	}
}

// persistFreshReceipt writes a new receipt stamped with the current time.
func (g *Gateway) persistFreshReceipt(ctx context.Context, info *types.CustomerInfo) *types.PurchaseReceipt {
	receipt := &types.PurchaseReceipt{
		ID:                 uuid.NewString(),
		CustomerInfo:       *info,
		StoredAt:           g.nowFn().UTC(),
		ValidationAttempts: 0,
	}
	if err := g.store.SetEncrypted(ctx, receiptKey, receipt); err != nil {
		g.logger.Warn("persisting receipt failed", "error", err)
	}
	return receipt
}

// touchReceiptContact refreshes the stored receipt after a successful live
// fetch, keeping StoredAt the time of the last successful provider contact.
// No receipt is created if none exists; receipts are born from purchase or
// restore.
func (g *Gateway) touchReceiptContact(ctx context.Context, info *types.CustomerInfo) {
	receipt, ok := g.LatestReceipt(ctx)
	if !ok {
		return
	}
	receipt.CustomerInfo = *info
	receipt.StoredAt = g.nowFn().UTC()
	if err := g.store.SetEncrypted(ctx, receiptKey, receipt); err != nil {
		g.logger.Warn("refreshing receipt contact time failed", "error", err)
	}
}

// mapProviderError folds a provider error into the application taxonomy.
func mapProviderError(op string, err error) *types.AppError {
	switch {
	case provider.IsNetwork(err):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, op+": billing provider unavailable", err)
	case provider.IsCancelled(err):
		return types.NewAppError(types.ErrCodePurchaseCancelled, op+": cancelled by user", err)
	case provider.IsNotAllowed(err):
		return types.NewAppError(types.ErrCodePurchaseNotAllowed, op+": not allowed for this account", err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamProvider, op+": billing provider error", err)
	}
}
