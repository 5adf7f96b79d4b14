package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"subguard/internal/types"
)

// defaultTimeout bounds every provider HTTP call explicitly rather than
// relying on SDK-implicit timeouts.
const defaultTimeout = 20 * time.Second

// RESTClientConfig configures a RESTClient.
type RESTClientConfig struct {
	BaseURL   string
	AppUserID string // optional; an anonymous identity is generated when empty
	Timeout   time.Duration
	Logger    *slog.Logger
}

// RESTClient implements Provider against the billing vendor's subscriber
// REST API. All requests are routed through BaseClient so the circuit
// breaker, transport retries, and error mapping apply uniformly.
type RESTClient struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger

	mu        sync.Mutex
	apiKey    string
	appUserID string
}

// NewRESTClient creates a RESTClient. When cfg.Timeout is zero the default
// 20s timeout applies.
func NewRESTClient(cfg RESTClientConfig, opts ...BaseClientOption) *RESTClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	appUserID := cfg.AppUserID
	if appUserID == "" {
		appUserID = anonymousID()
	}

	base := NewBaseClient(
		&http.Client{Timeout: timeout},
		"billing-provider",
		DefaultRetryPolicy(),
		"subguard/1.0",
		opts...,
	)

	return &RESTClient{
		base:      base,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:    logger,
		appUserID: appUserID,
	}
}

func anonymousID() string {
	return "anon-" + uuid.NewString()
}

// Configure stores the API key for subsequent calls. Idempotent and local:
// the first authenticated call is what actually exercises the credentials.
func (r *RESTClient) Configure(_ context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKey = apiKey
	return nil
}

// PurchasePackage executes a purchase of pkg for the current subscriber.
func (r *RESTClient) PurchasePackage(ctx context.Context, pkg types.Package) (types.CustomerInfo, error) {
	body := map[string]string{
		"offering_id": pkg.OfferingID,
		"package_id":  pkg.ID,
		"product_id":  pkg.ProductID,
	}
	path := fmt.Sprintf("/v1/subscribers/%s/purchases", url.PathEscape(r.currentUserID()))
	return r.subscriberCall(ctx, http.MethodPost, path, body)
}

// RestorePurchases re-links prior transactions for the current subscriber.
func (r *RESTClient) RestorePurchases(ctx context.Context) (types.CustomerInfo, error) {
	path := fmt.Sprintf("/v1/subscribers/%s/restore", url.PathEscape(r.currentUserID()))
	return r.subscriberCall(ctx, http.MethodPost, path, nil)
}

// GetCustomerInfo fetches the current subscriber snapshot.
func (r *RESTClient) GetCustomerInfo(ctx context.Context) (types.CustomerInfo, error) {
	path := fmt.Sprintf("/v1/subscribers/%s", url.PathEscape(r.currentUserID()))
	return r.subscriberCall(ctx, http.MethodGet, path, nil)
}

// GetOfferings fetches the current offerings keyed by offering ID.
func (r *RESTClient) GetOfferings(ctx context.Context) (map[string]types.Offering, error) {
	resp, err := r.do(ctx, http.MethodGet, "/v1/offerings", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, r.errorFromResponse(resp)
	}

	var wire offeringsResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &Error{Code: CodeUnknown, Message: "decoding offerings response", Err: err}
	}

	offerings := make(map[string]types.Offering, len(wire.Offerings))
	for id, wo := range wire.Offerings {
		off := types.Offering{ID: id}
		for _, wp := range wo.Packages {
			off.Packages = append(off.Packages, types.Package{
				ID:         wp.ID,
				ProductID:  wp.ProductID,
				OfferingID: id,
			})
		}
		offerings[id] = off
	}
	return offerings, nil
}

// LogIn rebinds the provider session to userID and returns the snapshot for
// that subscriber.
func (r *RESTClient) LogIn(ctx context.Context, userID string) (types.CustomerInfo, error) {
	r.mu.Lock()
	r.appUserID = userID
	r.mu.Unlock()
	return r.GetCustomerInfo(ctx)
}

// LogOut reverts the session to a fresh anonymous identity.
func (r *RESTClient) LogOut(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appUserID = anonymousID()
	return nil
}

func (r *RESTClient) currentUserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appUserID
}

// subscriberCall issues a request whose success body is a subscriber
// snapshot and maps it to types.CustomerInfo.
func (r *RESTClient) subscriberCall(ctx context.Context, method, path string, body any) (types.CustomerInfo, error) {
	resp, err := r.do(ctx, method, path, body)
	if err != nil {
		return types.CustomerInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.CustomerInfo{}, r.errorFromResponse(resp)
	}

	var wire subscriberResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return types.CustomerInfo{}, &Error{Code: CodeUnknown, Message: "decoding subscriber response", Err: err}
	}
	return wire.toCustomerInfo(time.Now().UTC()), nil
}

// do builds and executes an authenticated request through the BaseClient.
func (r *RESTClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Code: CodeUnknown, Message: "encoding request body", Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Code: CodeUnknown, Message: "building request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	r.mu.Lock()
	apiKey := r.apiKey
	r.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+apiKey)

	return r.base.Do(req)
}

// errorFromResponse maps a non-200 provider response to a classified Error.
// The provider reports small integer codes in its error envelope; an
// unreadable body degrades to CodeUnknown.
func (r *RESTClient) errorFromResponse(resp *http.Response) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr != nil {
		return &Error{Code: CodeUnknown, Message: fmt.Sprintf("provider returned %d with unreadable body", resp.StatusCode), Err: readErr}
	}

	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{Code: CodeUnknown, Message: fmt.Sprintf("provider returned %d with non-JSON body", resp.StatusCode), Err: err}
	}

	code := Code(envelope.Error.Code)
	switch code {
	case CodePurchaseCancelled, CodeNetwork, CodeNotAllowed:
		// Known classification, keep as-is.
	default:
		code = CodeUnknown
	}
	return &Error{Code: code, Message: envelope.Error.Message}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type subscriberResponse struct {
	Subscriber wireSubscriber `json:"subscriber"`
}

type wireSubscriber struct {
	AppUserID    string                     `json:"app_user_id"`
	Entitlements map[string]wireEntitlement `json:"entitlements"`
}

type wireEntitlement struct {
	IsActive       bool       `json:"is_active"`
	ExpirationDate *time.Time `json:"expiration_date"`
	ProductID      string     `json:"product_id"`
}

func (s subscriberResponse) toCustomerInfo(fetchedAt time.Time) types.CustomerInfo {
	info := types.CustomerInfo{
		AppUserID:    s.Subscriber.AppUserID,
		Entitlements: make(map[string]types.Entitlement, len(s.Subscriber.Entitlements)),
		FetchedAt:    fetchedAt,
	}
	for id, we := range s.Subscriber.Entitlements {
		info.Entitlements[id] = types.Entitlement{
			IsActive:       we.IsActive,
			ExpirationDate: we.ExpirationDate,
			ProductID:      we.ProductID,
		}
	}
	return info
}

type offeringsResponse struct {
	Offerings map[string]wireOffering `json:"offerings"`
}

type wireOffering struct {
	Packages []wirePackage `json:"packages"`
}

type wirePackage struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
}
