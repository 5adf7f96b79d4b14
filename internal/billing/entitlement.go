package billing

import (
	"time"

	"subguard/internal/types"
)

// Evaluator is the pure decision logic over a CustomerInfo snapshot plus
// wall-clock time. It holds no mutable state; the clock is injected for
// deterministic tests.
type Evaluator struct {
	entitlementID string
	nowFn         func() time.Time
}

// NewEvaluator creates an Evaluator for the configured entitlement. nowFn
// may be nil, in which case time.Now is used.
func NewEvaluator(entitlementID string, nowFn func() time.Time) *Evaluator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Evaluator{entitlementID: entitlementID, nowFn: nowFn}
}

// EntitlementID returns the entitlement this evaluator gates on.
func (e *Evaluator) EntitlementID() string { return e.entitlementID }

// daysSinceExpiration returns floor((now - expiration) / 1 day). Values at
// or below zero mean the entitlement has not meaningfully expired yet.
func (e *Evaluator) daysSinceExpiration(expiration time.Time) int {
	elapsed := e.nowFn().Sub(expiration)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / (24 * time.Hour))
}

// HasEntitlement reports whether the configured entitlement should be
// treated as held: either the provider flags it active, or it lapsed
// recently enough to fall inside the grace window.
func (e *Evaluator) HasEntitlement(info *types.CustomerInfo) bool {
	ent, ok := info.Entitlement(e.entitlementID)
	if !ok {
		return false
	}
	if ent.IsActive {
		return true
	}
	if ent.ExpirationDate == nil {
		return false
	}
	// Day zero (expired earlier today, or not yet expired) counts as still
	// active; days one through GraceWindowDays are grace; beyond that the
	// entitlement is expired.
	return e.daysSinceExpiration(*ent.ExpirationDate) <= GraceWindowDays
}

// GracePeriod reports whether the entitlement is currently inside the grace
// window and, if so, how many grace days remain. Day zero is not grace (the
// entitlement is simply active) and anything past the window is expired.
func (e *Evaluator) GracePeriod(info *types.CustomerInfo) (inGrace bool, daysRemaining int) {
	ent, ok := info.Entitlement(e.entitlementID)
	if !ok || ent.IsActive || ent.ExpirationDate == nil {
		return false, 0
	}
	days := e.daysSinceExpiration(*ent.ExpirationDate)
	if days <= 0 || days > GraceWindowDays {
		return false, 0
	}
	return true, GraceWindowDays - days
}

// ValidateReceiptOffline is the conservative offline check: the receipt must
// exist, carry an active entitlement flag, and have been stored within the
// staleness ceiling. An active-looking entitlement inside a stale receipt is
// still rejected, bounding how long a device can claim entitlement without
// any successful live contact.
func (e *Evaluator) ValidateReceiptOffline(receipt *types.PurchaseReceipt) bool {
	if receipt == nil {
		return false
	}
	ent, ok := receipt.CustomerInfo.Entitlement(e.entitlementID)
	if !ok || !ent.IsActive {
		return false
	}
	return e.nowFn().Sub(receipt.StoredAt) <= ReceiptStalenessCeiling
}

// Status derives the caller-facing subscription view from a snapshot. A nil
// snapshot yields the zero (not entitled) status.
func (e *Evaluator) Status(info *types.CustomerInfo) types.SubscriptionStatus {
	if info == nil {
		return types.SubscriptionStatus{}
	}

	ent, ok := info.Entitlement(e.entitlementID)
	if !ok {
		return types.SubscriptionStatus{}
	}

	st := types.SubscriptionStatus{ExpirationDate: ent.ExpirationDate}

	if inGrace, remaining := e.GracePeriod(info); inGrace {
		st.IsActive = true
		st.InGracePeriod = true
		st.DaysRemaining = remaining
		return st
	}

	if !e.HasEntitlement(info) {
		return st
	}

	st.IsActive = true
	if ent.ExpirationDate != nil {
		if until := ent.ExpirationDate.Sub(e.nowFn()); until > 0 {
			st.DaysRemaining = int(until / (24 * time.Hour))
		}
	}
	return st
}
