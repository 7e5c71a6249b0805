package tax

import "context"

// NoTaxCalculator returns zero tax for all calculations. Used when no tax
// service is configured.
type NoTaxCalculator struct{}

// NewNoTaxCalculator creates a new no-tax calculator.
func NewNoTaxCalculator() Calculator {
	return &NoTaxCalculator{}
}

// Calculate always returns zero tax.
func (c *NoTaxCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	return &Result{Rate: 0, AmountCents: 0}, nil
}
