// Package types defines the domain records and shared error/secret types for
// the subguard entitlement engine. Records mirror what the billing provider
// reports; they are replaced wholesale on every successful provider contact
// and never field-patched.
package types

import "time"

// Entitlement is a single named capability grant as reported by the billing
// provider. ExpirationDate is nil for lifetime grants.
type Entitlement struct {
	IsActive       bool       `json:"is_active"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	ProductID      string     `json:"product_id,omitempty"`
}

// CustomerInfo is the provider's snapshot of a subscriber. It is treated as
// immutable once fetched.
type CustomerInfo struct {
	AppUserID    string                 `json:"app_user_id"`
	Entitlements map[string]Entitlement `json:"entitlements"`
	FetchedAt    time.Time              `json:"fetched_at"`
}

// Entitlement returns the named entitlement and whether it exists.
func (c *CustomerInfo) Entitlement(id string) (Entitlement, bool) {
	if c == nil || c.Entitlements == nil {
		return Entitlement{}, false
	}
	ent, ok := c.Entitlements[id]
	return ent, ok
}

// PurchaseReceipt is the locally persisted proof of the last successful
// provider contact. StoredAt is monotonically the time of that contact; a
// receipt older than the staleness ceiling is rejected by offline validation
// regardless of the entitlement flags inside it.
type PurchaseReceipt struct {
	ID                 string       `json:"id"`
	CustomerInfo       CustomerInfo `json:"customer_info"`
	StoredAt           time.Time    `json:"stored_at"`
	ValidationAttempts int          `json:"validation_attempts"`
}

// UserProfile is a free-form record keyed by user identifier. It lives in up
// to three storage tiers simultaneously; the tier read first and found
// non-empty wins.
type UserProfile struct {
	ID              string         `json:"id"`
	ProfileComplete bool           `json:"profile_complete"`
	Fields          map[string]any `json:"fields,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastSynced      time.Time      `json:"last_synced"`
}

// SubscriptionStatus is the derived, never-persisted view of the current
// entitlement state. Only its inputs (CustomerInfo, receipts) are stored.
type SubscriptionStatus struct {
	IsActive       bool       `json:"is_active"`
	InGracePeriod  bool       `json:"in_grace_period"`
	InTrial        bool       `json:"in_trial"`
	DaysRemaining  int        `json:"days_remaining"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// Package is a purchasable unit inside an offering.
type Package struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	OfferingID string `json:"offering_id"`
}

// Offering is a named group of packages currently presented for sale.
type Offering struct {
	ID       string    `json:"id"`
	Packages []Package `json:"packages"`
}

// RestoreOutcome reports the result of a restore flow. A restore that yields
// no currently-valid entitlement is a distinct outcome, not an error.
type RestoreOutcome struct {
	Restored     bool          `json:"restored"`
	CustomerInfo *CustomerInfo `json:"customer_info,omitempty"`
}
