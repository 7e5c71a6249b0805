package tax

import "context"

// MockCalculator is a mock tax calculator for testing.
type MockCalculator struct {
	// CalculateFunc allows customizing calculation behavior
	CalculateFunc func(ctx context.Context, params Params) (*Result, error)

	// CallLog tracks calls for test assertions
	CallLog []Params
}

// Calculate records the call and delegates to CalculateFunc, defaulting to a
// flat 10% rate.
func (m *MockCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	m.CallLog = append(m.CallLog, params)

	if m.CalculateFunc != nil {
		return m.CalculateFunc(ctx, params)
	}

	return &Result{
		Rate:        0.10,
		AmountCents: params.AmountCents / 10,
	}, nil
}
