// Package billing implements the entitlement core: the provider gateway
// (purchase/restore flows with bounded retry and offline fallback) and the
// pure entitlement evaluator (grace-period and receipt-staleness rules).
package billing

import "time"

const (
	// GraceWindowDays is the post-expiration window during which a lapsed
	// entitlement is still treated as active, absorbing transient renewal
	// and billing delays.
	GraceWindowDays = 3

	// ReceiptStalenessCeiling bounds how old a locally cached receipt may
	// be before offline validation rejects it regardless of what it says.
	// Together with the grace window this caps offline access at 33 days
	// without a successful live check.
	ReceiptStalenessCeiling = 30 * 24 * time.Hour

	// MaxPurchaseAttempts is the total number of purchase attempts made
	// for network-classified failures before giving up.
	MaxPurchaseAttempts = 3

	// PurchaseRetryDelay is the fixed wait between purchase attempts.
	PurchaseRetryDelay = 2 * time.Second
)
