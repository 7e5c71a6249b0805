package gateway

import (
	"context"
	"net/http"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// Provider defines the interface for a payment gateway.
// Implementations normalize provider-specific payloads into domain.Event at
// this boundary; nothing above it sees raw gateway JSON.
type Provider interface {
	// Name identifies the gateway.
	Name() domain.Gateway

	// CreateCheckout creates a hosted checkout for a subscription and
	// returns the redirect URL plus the provider-side reference.
	CreateCheckout(ctx context.Context, params CheckoutParams) (*domain.CheckoutRef, error)

	// CreatePaymentIntent creates a one-time charge (invoice payment or
	// offset donation) awaiting client confirmation.
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*domain.PaymentIntentRef, error)

	// CancelSubscription cancels the provider-side subscription, either at
	// period end or immediately.
	CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error

	// RefundPayment refunds a captured payment. amountCents 0 refunds the
	// full amount.
	RefundPayment(ctx context.Context, externalRef string, amountCents int64) error

	// VerifyWebhook authenticates a webhook delivery and returns the
	// normalized event. Returns ErrInvalidSignature when the payload cannot
	// be trusted; callers must treat that as a client error and never retry.
	VerifyWebhook(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error)
}

// CheckoutParams contains parameters for creating a subscription checkout.
type CheckoutParams struct {
	// UserID is carried in provider metadata so the confirmation webhook
	// can attribute the subscription.
	UserID string

	Tier      domain.SubscriptionTier
	TrialDays int32

	SuccessURL string
	CancelURL  string
}

// PaymentIntentParams contains parameters for a one-time charge.
type PaymentIntentParams struct {
	AmountCents int64
	Currency    string

	// Purpose and EntityID discriminate the capture webhook between the
	// invoice and donation flows.
	Purpose  domain.PaymentPurpose
	EntityID string

	UserID      string
	Description string
}

// Registry resolves a gateway name to its adapter.
type Registry struct {
	providers map[domain.Gateway]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.Gateway]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the adapter for a gateway, or ENOTFOUND when the gateway is not
// configured.
func (r *Registry) Get(gw domain.Gateway) (Provider, error) {
	p, ok := r.providers[gw]
	if !ok {
		return nil, domain.Errorf(domain.ENOTFOUND, "gateway.registry", "gateway not configured: %s", gw)
	}
	return p, nil
}
