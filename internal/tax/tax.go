package tax

import (
	"context"
	"errors"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// ErrServiceUnavailable is returned when the external tax service cannot be
// reached. Callers degrade to zero tax rather than failing the operation.
var ErrServiceUnavailable = errors.New("tax: service unavailable")

// Calculator defines the interface for tax calculation.
// Implementations: RemoteCalculator, NoTaxCalculator
type Calculator interface {
	// Calculate computes the tax to collect for an amount shipped to or
	// billed at an address.
	Calculate(ctx context.Context, params Params) (*Result, error)
}

// Params contains the jurisdiction/amount pair for a tax lookup.
type Params struct {
	Address     domain.Address
	AmountCents int64
}

// Result contains the calculated tax.
type Result struct {
	// Rate is the combined tax rate, e.g. 0.065 for 6.5%.
	Rate float64

	// AmountCents is the tax to collect, in cents.
	AmountCents int64
}
