package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// MockProvider is a mock payment gateway for testing. Simulates successful
// flows without calling any external API.
type MockProvider struct {
	// GatewayName is the gateway this mock stands in for. Defaults to
	// stripe.
	GatewayName domain.Gateway

	// CreateCheckoutFunc allows customizing checkout creation behavior
	CreateCheckoutFunc func(ctx context.Context, params CheckoutParams) (*domain.CheckoutRef, error)

	// CreatePaymentIntentFunc allows customizing payment intent creation behavior
	CreatePaymentIntentFunc func(ctx context.Context, params PaymentIntentParams) (*domain.PaymentIntentRef, error)

	// CancelSubscriptionFunc allows customizing subscription cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error

	// RefundPaymentFunc allows customizing refund behavior
	RefundPaymentFunc func(ctx context.Context, externalRef string, amountCents int64) error

	// VerifyWebhookFunc allows customizing webhook verification behavior
	VerifyWebhookFunc func(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error)

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a new mock gateway provider.
func NewMockProvider(name domain.Gateway) *MockProvider {
	return &MockProvider{
		GatewayName: name,
		CallLog:     []string{},
	}
}

// Name identifies the gateway.
func (m *MockProvider) Name() domain.Gateway {
	if m.GatewayName == "" {
		return domain.GatewayStripe
	}
	return m.GatewayName
}

// CreateCheckout creates a mock checkout reference.
func (m *MockProvider) CreateCheckout(ctx context.Context, params CheckoutParams) (*domain.CheckoutRef, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCheckout(%s, %s)", params.UserID, params.Tier))

	if m.CreateCheckoutFunc != nil {
		return m.CreateCheckoutFunc(ctx, params)
	}

	id := "cs_" + uuid.New().String()[:8]
	return &domain.CheckoutRef{
		URL:        "https://checkout.example.com/" + id,
		ExternalID: id,
	}, nil
}

// CreatePaymentIntent creates a mock payment intent reference.
func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*domain.PaymentIntentRef, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Purpose))

	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}

	id := "pi_" + uuid.New().String()[:8]
	return &domain.PaymentIntentRef{
		ClientSecret: id + "_secret",
		ExternalID:   id,
	}, nil
}

// CancelSubscription cancels a mock subscription.
func (m *MockProvider) CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscription(%s, %t)", externalSubscriptionID, atPeriodEnd))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, externalSubscriptionID, atPeriodEnd)
	}
	return nil
}

// RefundPayment refunds a mock payment.
func (m *MockProvider) RefundPayment(ctx context.Context, externalRef string, amountCents int64) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("RefundPayment(%s, %d)", externalRef, amountCents))

	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, externalRef, amountCents)
	}
	return nil
}

// VerifyWebhook verifies a mock webhook delivery.
func (m *MockProvider) VerifyWebhook(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
	m.CallLog = append(m.CallLog, "VerifyWebhook")

	if m.VerifyWebhookFunc != nil {
		return m.VerifyWebhookFunc(ctx, payload, header)
	}

	return &domain.Event{
		Gateway:         m.Name(),
		ExternalEventID: "evt_" + uuid.New().String()[:8],
		Type:            domain.EventIgnored,
	}, nil
}
