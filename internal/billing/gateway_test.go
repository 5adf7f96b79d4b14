package billing

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subguard/internal/kv"
	"subguard/internal/provider"
	"subguard/internal/securestore"
	"subguard/internal/types"
)

// fakeProvider implements provider.Provider with per-method hooks and call
// counters.
type fakeProvider struct {
	configureCalls int
	purchaseCalls  int
	restoreCalls   int
	infoCalls      int
	offeringsCalls int

	purchaseFn  func(attempt int) (types.CustomerInfo, error)
	restoreFn   func() (types.CustomerInfo, error)
	infoFn      func() (types.CustomerInfo, error)
	offeringsFn func(call int) (map[string]types.Offering, error)
	offerings   map[string]types.Offering
}

func (f *fakeProvider) Configure(_ context.Context, _ string) error {
	f.configureCalls++
	return nil
}

func (f *fakeProvider) PurchasePackage(_ context.Context, _ types.Package) (types.CustomerInfo, error) {
	f.purchaseCalls++
	return f.purchaseFn(f.purchaseCalls)
}

func (f *fakeProvider) RestorePurchases(_ context.Context) (types.CustomerInfo, error) {
	f.restoreCalls++
	return f.restoreFn()
}

func (f *fakeProvider) GetCustomerInfo(_ context.Context) (types.CustomerInfo, error) {
	f.infoCalls++
	return f.infoFn()
}

func (f *fakeProvider) GetOfferings(_ context.Context) (map[string]types.Offering, error) {
	f.offeringsCalls++
	if f.offeringsFn != nil {
		return f.offeringsFn(f.offeringsCalls)
	}
	return f.offerings, nil
}

func (f *fakeProvider) LogIn(ctx context.Context, _ string) (types.CustomerInfo, error) {
	return f.infoFn()
}

func (f *fakeProvider) LogOut(_ context.Context) error { return nil }

func defaultOfferings() map[string]types.Offering {
	return map[string]types.Offering{
		"default": {
			ID: "default",
			Packages: []types.Package{
				{ID: "monthly", ProductID: "premium_monthly", OfferingID: "default"},
				{ID: "annual", ProductID: "premium_annual", OfferingID: "default"},
			},
		},
	}
}

func activeInfo() types.CustomerInfo {
	expiry := fixedNow.Add(30 * 24 * time.Hour)
	return types.CustomerInfo{
		AppUserID: "user-1",
		Entitlements: map[string]types.Entitlement{
			testEntitlement: {IsActive: true, ExpirationDate: &expiry, ProductID: "premium_monthly"},
		},
		FetchedAt: fixedNow,
	}
}

func inactiveInfo() types.CustomerInfo {
	return types.CustomerInfo{
		AppUserID: "user-1",
		Entitlements: map[string]types.Entitlement{
			testEntitlement: {IsActive: false},
		},
		FetchedAt: fixedNow,
	}
}

func networkErr() error {
	return &provider.Error{Code: provider.CodeNetwork, Message: "connection reset"}
}

// gatewayHarness bundles a gateway with its fakes and recorded sleeps.
type gatewayHarness struct {
	gateway  *Gateway
	provider *fakeProvider
	store    *securestore.Store
	sleeps   []time.Duration
}

func newGatewayHarness(t *testing.T, p *fakeProvider) *gatewayHarness {
	t.Helper()

	store, err := securestore.New(kv.NewMemoryTier("test"), bytes.Repeat([]byte{0x42}, 32), nil)
	require.NoError(t, err)

	h := &gatewayHarness{provider: p, store: store}
	h.gateway = NewGateway(p, store, newTestEvaluator(), types.SecretString("sk_test"), nil,
		WithSleepFunc(func(d time.Duration) { h.sleeps = append(h.sleeps, d) }),
		WithClock(func() time.Time { return fixedNow }),
	)
	return h
}

func TestPurchase_Success(t *testing.T) {
	p := &fakeProvider{
		offerings:  defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	info, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 1, p.purchaseCalls)
	assert.Equal(t, 1, p.configureCalls)

	receipt, ok := h.gateway.LatestReceipt(context.Background())
	require.True(t, ok, "purchase must persist a receipt")
	assert.Equal(t, fixedNow, receipt.StoredAt)
	assert.Equal(t, 0, receipt.ValidationAttempts)
	assert.NotEmpty(t, receipt.ID)
}

func TestPurchase_NetworkRetriesThenSuccess(t *testing.T) {
	p := &fakeProvider{
		offerings: defaultOfferings(),
		purchaseFn: func(attempt int) (types.CustomerInfo, error) {
			if attempt < 3 {
				return types.CustomerInfo{}, networkErr()
			}
			return activeInfo(), nil
		},
	}
	h := newGatewayHarness(t, p)

	info, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 3, p.purchaseCalls)
	assert.Equal(t, []time.Duration{PurchaseRetryDelay, PurchaseRetryDelay}, h.sleeps)
}

func TestPurchase_NetworkExhaustsAttempts(t *testing.T) {
	p := &fakeProvider{
		offerings: defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) {
			return types.CustomerInfo{}, networkErr()
		},
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, MaxPurchaseAttempts, appErr.Details["attempts"])

	// Exactly MaxPurchaseAttempts total calls, never a fourth.
	assert.Equal(t, MaxPurchaseAttempts, p.purchaseCalls)
	assert.Len(t, h.sleeps, MaxPurchaseAttempts-1)
}

func TestPurchase_ResolutionNetworkErrorRetried(t *testing.T) {
	p := &fakeProvider{
		offeringsFn: func(call int) (map[string]types.Offering, error) {
			if call < 3 {
				return nil, networkErr()
			}
			return defaultOfferings(), nil
		},
		purchaseFn: func(int) (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	info, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 3, p.offeringsCalls)
	assert.Equal(t, 1, p.purchaseCalls)
	assert.Equal(t, []time.Duration{PurchaseRetryDelay, PurchaseRetryDelay}, h.sleeps)
}

func TestPurchase_ResolutionNetworkErrorsShareAttemptBudget(t *testing.T) {
	p := &fakeProvider{
		offeringsFn: func(int) (map[string]types.Offering, error) {
			return nil, networkErr()
		},
		purchaseFn: func(int) (types.CustomerInfo, error) {
			t.Fatal("purchase must not run without a resolved package")
			return types.CustomerInfo{}, nil
		},
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, MaxPurchaseAttempts, p.offeringsCalls)
	assert.Equal(t, 0, p.purchaseCalls)
}

func TestPurchase_SerializedFlows(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	p := &fakeProvider{
		offerings: defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) {
			started <- struct{}{}
			<-release
			return activeInfo(), nil
		},
	}
	h := newGatewayHarness(t, p)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.gateway.Purchase(context.Background(), "premium_monthly")
		}(i)
	}

	// First flow has reached the provider and is blocked there.
	<-started

	select {
	case <-started:
		t.Fatal("second purchase flow reached the provider while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "flow %d", i)
	}
	assert.Equal(t, 2, p.purchaseCalls)
}

func TestPurchase_ProductNotFound(t *testing.T) {
	p := &fakeProvider{
		offerings: defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) {
			t.Fatal("purchase must not be attempted for an unknown product")
			return types.CustomerInfo{}, nil
		},
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "nonexistent_product")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePurchaseProductNotFound, appErr.Code)
	assert.Equal(t, 0, p.purchaseCalls)
}

func TestPurchase_CancelledIsTerminal(t *testing.T) {
	p := &fakeProvider{
		offerings: defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) {
			return types.CustomerInfo{}, &provider.Error{Code: provider.CodePurchaseCancelled, Message: "user cancelled"}
		},
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePurchaseCancelled, appErr.Code)
	assert.Equal(t, 1, p.purchaseCalls)
	assert.Empty(t, h.sleeps, "cancellation must not be retried")
}

func TestPurchase_NotAllowedIsTerminal(t *testing.T) {
	p := &fakeProvider{
		offerings: defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) {
			return types.CustomerInfo{}, &provider.Error{Code: provider.CodeNotAllowed, Message: "purchases disabled"}
		},
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePurchaseNotAllowed, appErr.Code)
	assert.Equal(t, 1, p.purchaseCalls)
}

func TestPurchase_CompletedButEntitlementInactive(t *testing.T) {
	p := &fakeProvider{
		offerings:  defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) { return inactiveInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePurchaseEntitlementInactive, appErr.Code)

	// The transaction completed, so no retry may follow.
	assert.Equal(t, 1, p.purchaseCalls)
	assert.Empty(t, h.sleeps)
}

func TestRestorePurchases_ValidEntitlement(t *testing.T) {
	p := &fakeProvider{
		restoreFn: func() (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	outcome, err := h.gateway.RestorePurchases(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Restored)
	require.NotNil(t, outcome.CustomerInfo)
}

func TestRestorePurchases_NoValidPurchases(t *testing.T) {
	p := &fakeProvider{
		restoreFn: func() (types.CustomerInfo, error) { return inactiveInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	// No valid entitlement after restore is an outcome, not an error.
	outcome, err := h.gateway.RestorePurchases(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Restored)
	require.NotNil(t, outcome.CustomerInfo)
}

func TestRestorePurchases_ProviderFailure(t *testing.T) {
	p := &fakeProvider{
		restoreFn: func() (types.CustomerInfo, error) { return types.CustomerInfo{}, networkErr() },
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.RestorePurchases(context.Background())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
}

func TestGetCustomerInfo_LiveFetch(t *testing.T) {
	p := &fakeProvider{
		infoFn: func() (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	info, live := h.gateway.GetCustomerInfo(context.Background())
	require.NotNil(t, info)
	assert.True(t, live)
	assert.Equal(t, "user-1", info.AppUserID)
}

func TestGetCustomerInfo_FallsBackToMemoryCache(t *testing.T) {
	healthy := true
	p := &fakeProvider{
		infoFn: func() (types.CustomerInfo, error) {
			if healthy {
				return activeInfo(), nil
			}
			return types.CustomerInfo{}, networkErr()
		},
	}
	h := newGatewayHarness(t, p)

	_, live := h.gateway.GetCustomerInfo(context.Background())
	require.True(t, live)

	healthy = false
	info, live := h.gateway.GetCustomerInfo(context.Background())
	require.NotNil(t, info, "cached snapshot must survive a provider outage")
	assert.False(t, live)
	assert.Equal(t, "user-1", info.AppUserID)
}

func TestGetCustomerInfo_FallsBackToPersistedSnapshot(t *testing.T) {
	healthy := true
	p := &fakeProvider{
		infoFn: func() (types.CustomerInfo, error) {
			if healthy {
				return activeInfo(), nil
			}
			return types.CustomerInfo{}, networkErr()
		},
	}
	h := newGatewayHarness(t, p)

	_, live := h.gateway.GetCustomerInfo(context.Background())
	require.True(t, live)

	// Rebuild the gateway over the same store: memory cache gone, the
	// persisted encrypted snapshot must carry the fallback.
	healthy = false
	rebuilt := NewGateway(p, h.store, newTestEvaluator(), types.SecretString("sk_test"), nil,
		WithClock(func() time.Time { return fixedNow }),
	)
	info, liveAfter := rebuilt.GetCustomerInfo(context.Background())
	require.NotNil(t, info)
	assert.False(t, liveAfter)
	assert.Equal(t, "user-1", info.AppUserID)
}

func TestGetCustomerInfo_NothingCached(t *testing.T) {
	p := &fakeProvider{
		infoFn: func() (types.CustomerInfo, error) { return types.CustomerInfo{}, networkErr() },
	}
	h := newGatewayHarness(t, p)

	info, live := h.gateway.GetCustomerInfo(context.Background())
	assert.Nil(t, info)
	assert.False(t, live)
}

func TestInitialize_ConfiguresOnce(t *testing.T) {
	p := &fakeProvider{
		infoFn: func() (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	require.NoError(t, h.gateway.Initialize(context.Background()))
	require.NoError(t, h.gateway.Initialize(context.Background()))
	h.gateway.GetCustomerInfo(context.Background())

	assert.Equal(t, 1, p.configureCalls)
}

func TestValidateStoredReceiptOffline_RecordsAttempts(t *testing.T) {
	p := &fakeProvider{
		offerings:  defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	require.NoError(t, err)

	assert.True(t, h.gateway.ValidateStoredReceiptOffline(context.Background()))
	assert.True(t, h.gateway.ValidateStoredReceiptOffline(context.Background()))

	receipt, ok := h.gateway.LatestReceipt(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, receipt.ValidationAttempts)
}

func TestValidateStoredReceiptOffline_NoReceipt(t *testing.T) {
	p := &fakeProvider{}
	h := newGatewayHarness(t, p)

	assert.False(t, h.gateway.ValidateStoredReceiptOffline(context.Background()))
}

func TestClearCachedState(t *testing.T) {
	p := &fakeProvider{
		offerings:  defaultOfferings(),
		purchaseFn: func(int) (types.CustomerInfo, error) { return activeInfo(), nil },
	}
	h := newGatewayHarness(t, p)

	_, err := h.gateway.Purchase(context.Background(), "premium_monthly")
	require.NoError(t, err)
	require.NotNil(t, h.gateway.CachedCustomerInfo())

	h.gateway.ClearCachedState(context.Background())

	assert.Nil(t, h.gateway.CachedCustomerInfo())
	_, ok := h.gateway.LatestReceipt(context.Background())
	assert.False(t, ok, "receipt must be gone after reset")
}

func TestMapProviderError_Unknown(t *testing.T) {
	err := mapProviderError("op", errors.New("boom"))
	assert.Equal(t, types.ErrCodeUpstreamProvider, err.Code)
}
