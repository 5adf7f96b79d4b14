// Package provider defines the billing provider SDK surface and its REST
// implementation. The gateway in internal/billing consumes the Provider
// interface; everything here is replaceable per billing vendor as long as
// the error-code classification is re-mapped.
package provider

import (
	"context"
	"errors"
	"fmt"

	"subguard/internal/types"
)

// Code is the provider's small-integer error code. Classification of
// purchase failures (retry vs. fail fast) is keyed off these known values;
// an implementation targeting a different vendor must map its equivalent
// codes onto them.
type Code int

const (
	// CodeUnknown covers errors the provider did not classify.
	CodeUnknown Code = 0
	// CodePurchaseCancelled means the user backed out of the purchase.
	CodePurchaseCancelled Code = 1
	// CodeNetwork covers transient transport/provider availability errors.
	CodeNetwork Code = 2
	// CodeNotAllowed means the account or device may not make purchases.
	CodeNotAllowed Code = 3
)

// Error is a classified provider failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// classify returns the provider Code carried by err, or CodeUnknown.
func classify(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// IsNetwork reports whether err is a network-classified provider error.
func IsNetwork(err error) bool { return classify(err) == CodeNetwork }

// IsCancelled reports whether the user cancelled the flow.
func IsCancelled(err error) bool { return classify(err) == CodePurchaseCancelled }

// IsNotAllowed reports whether purchases are not allowed for this account.
func IsNotAllowed(err error) bool { return classify(err) == CodeNotAllowed }

// Provider is the call surface of the external billing SDK.
type Provider interface {
	// Configure prepares the provider with the platform API key. Idempotent.
	Configure(ctx context.Context, apiKey string) error

	// PurchasePackage executes a purchase of the given package and returns
	// the resulting subscriber snapshot.
	PurchasePackage(ctx context.Context, pkg types.Package) (types.CustomerInfo, error)

	// RestorePurchases re-links prior transactions and returns the
	// resulting subscriber snapshot.
	RestorePurchases(ctx context.Context) (types.CustomerInfo, error)

	// GetCustomerInfo fetches the current subscriber snapshot.
	GetCustomerInfo(ctx context.Context) (types.CustomerInfo, error)

	// GetOfferings fetches the current offerings keyed by offering ID.
	GetOfferings(ctx context.Context) (map[string]types.Offering, error)

	// LogIn binds the provider session to the given app user ID.
	LogIn(ctx context.Context, userID string) (types.CustomerInfo, error)

	// LogOut reverts the provider session to an anonymous identity.
	LogOut(ctx context.Context) error
}
