package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	checkoutsession "github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/stripe/stripe-go/v83/subscription"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// Metadata keys attached to every Stripe object we create. The webhook path
// reads them back to attribute events to local entities.
const (
	stripeMetaPurpose  = "purpose"
	stripeMetaEntityID = "entity_id"
	stripeMetaUserID   = "user_id"
	stripeMetaTier     = "tier"
)

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	webhookSecret string

	// priceIDs maps subscription tiers to Stripe recurring price IDs.
	priceIDs map[domain.SubscriptionTier]string
}

// NewStripeProvider creates a Stripe gateway adapter. Sets the package-level
// API key for the SDK.
func NewStripeProvider(apiKey, webhookSecret string, priceIDs map[domain.SubscriptionTier]string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{
		webhookSecret: webhookSecret,
		priceIDs:      priceIDs,
	}
}

// Name identifies the gateway.
func (s *StripeProvider) Name() domain.Gateway {
	return domain.GatewayStripe
}

// CreateCheckout creates a Stripe Checkout session in subscription mode.
func (s *StripeProvider) CreateCheckout(ctx context.Context, params CheckoutParams) (*domain.CheckoutRef, error) {
	priceID, ok := s.priceIDs[params.Tier]
	if !ok {
		return nil, domain.Errorf(domain.EINVALID, "gateway.stripe", "no price configured for tier %s", params.Tier)
	}

	metadata := map[string]string{
		stripeMetaUserID: params.UserID,
		stripeMetaTier:   string(params.Tier),
	}

	subData := &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: metadata,
	}
	if params.TrialDays > 0 {
		subData.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}

	checkoutParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:       stripe.String(params.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:        stripe.String(params.CancelURL),
		SubscriptionData: subData,
	}
	checkoutParams.Context = ctx

	session, err := checkoutsession.New(checkoutParams)
	if err != nil {
		return nil, domain.WrapError(err, domain.EPAYMENT, "gateway.stripe", "failed to create checkout session")
	}

	return &domain.CheckoutRef{URL: session.URL, ExternalID: session.ID}, nil
}

// CreatePaymentIntent creates a one-time charge tagged with the purpose
// metadata the webhook path dispatches on.
func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*domain.PaymentIntentRef, error) {
	piParams := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(params.AmountCents),
		Currency:    stripe.String(params.Currency),
		Description: stripe.String(params.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	piParams.Context = ctx
	piParams.AddMetadata(stripeMetaPurpose, string(params.Purpose))
	piParams.AddMetadata(stripeMetaEntityID, params.EntityID)
	piParams.AddMetadata(stripeMetaUserID, params.UserID)
	// One intent per local entity attempt.
	piParams.SetIdempotencyKey(fmt.Sprintf("%s-%s", params.Purpose, params.EntityID))

	pi, err := paymentintent.New(piParams)
	if err != nil {
		return nil, domain.WrapError(err, domain.EPAYMENT, "gateway.stripe", "failed to create payment intent")
	}

	return &domain.PaymentIntentRef{ClientSecret: pi.ClientSecret, ExternalID: pi.ID}, nil
}

// CancelSubscription cancels or schedules cancellation of a Stripe
// subscription.
func (s *StripeProvider) CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		_, err := subscription.Update(externalSubscriptionID, params)
		if err != nil {
			return domain.WrapError(err, domain.EPAYMENT, "gateway.stripe", "failed to schedule subscription cancellation")
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := subscription.Cancel(externalSubscriptionID, params)
	if err != nil {
		return domain.WrapError(err, domain.EPAYMENT, "gateway.stripe", "failed to cancel subscription")
	}
	return nil
}

// RefundPayment refunds a captured payment intent.
func (s *StripeProvider) RefundPayment(ctx context.Context, externalRef string, amountCents int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(externalRef),
	}
	params.Context = ctx
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}

	_, err := refund.New(params)
	if err != nil {
		return domain.WrapError(err, domain.EPAYMENT, "gateway.stripe", "failed to refund payment")
	}
	return nil
}

// VerifyWebhook checks the Stripe-Signature header and normalizes the event.
func (s *StripeProvider) VerifyWebhook(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
	event, err := webhook.ConstructEvent(payload, header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return s.normalize(event)
}

// stripeObject is the subset of Stripe payload fields the normalizer reads.
// Decoded from event.Data.Raw rather than the SDK structs so field renames
// across Stripe API versions do not break parsing.
type stripeObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Amount            int64             `json:"amount"`
	AmountPaid        int64             `json:"amount_paid"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      string            `json:"subscription"`
	PaymentIntent     string            `json:"payment_intent"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
}

func (s *StripeProvider) normalize(event stripe.Event) (*domain.Event, error) {
	var obj stripeObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: event.ID,
		ReceivedAt:      time.Now().UTC(),
		EntityRef:       obj.Metadata[stripeMetaEntityID],
		UserID:          obj.Metadata[stripeMetaUserID],
		Purpose:         domain.PaymentPurpose(obj.Metadata[stripeMetaPurpose]),
	}

	switch string(event.Type) {
	case "payment_intent.succeeded":
		ev.Type = domain.EventPaymentCaptured
		ev.ExternalRef = obj.ID
		ev.AmountCents = obj.Amount

	case "payment_intent.payment_failed":
		ev.Type = domain.EventPaymentFailed
		ev.ExternalRef = obj.ID
		ev.AmountCents = obj.Amount

	case "charge.refunded":
		ev.Type = domain.EventPaymentRefunded
		ev.ExternalRef = obj.PaymentIntent
		ev.AmountCents = obj.Amount

	case "invoice.paid", "invoice.payment_succeeded":
		ev.Type = domain.EventInvoicePaid
		ev.ExternalRef = obj.PaymentIntent
		if ev.ExternalRef == "" {
			ev.ExternalRef = obj.ID
		}
		ev.AmountCents = obj.AmountPaid

	case "invoice.payment_failed":
		ev.Type = domain.EventInvoicePaymentFailed
		ev.ExternalRef = obj.ID

	case "checkout.session.completed":
		if obj.Subscription == "" {
			// One-time checkout completions are reported via
			// payment_intent.succeeded.
			ev.Type = domain.EventIgnored
			break
		}
		ev.Type = domain.EventSubscriptionCreated
		ev.Subscription = &domain.SubscriptionEventData{
			ExternalSubscriptionID: obj.Subscription,
			Tier:                   domain.SubscriptionTier(obj.Metadata[stripeMetaTier]),
			Status:                 domain.SubscriptionStatusActive,
		}

	case "customer.subscription.created", "customer.subscription.updated":
		ev.Type = domain.EventSubscriptionCreated
		if string(event.Type) == "customer.subscription.updated" {
			ev.Type = domain.EventSubscriptionUpdated
		}
		sub := &domain.SubscriptionEventData{
			ExternalSubscriptionID: obj.ID,
			Tier:                   domain.SubscriptionTier(obj.Metadata[stripeMetaTier]),
			Status:                 stripeSubscriptionStatus(obj.Status),
			CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
		}
		if obj.CurrentPeriodEnd > 0 {
			sub.CurrentPeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		}
		ev.Subscription = sub

	case "customer.subscription.deleted":
		ev.Type = domain.EventSubscriptionDeleted
		ev.Subscription = &domain.SubscriptionEventData{
			ExternalSubscriptionID: obj.ID,
			Status:                 domain.SubscriptionStatusCanceled,
		}

	default:
		ev.Type = domain.EventIgnored
	}

	return ev, nil
}

// stripeSubscriptionStatus maps Stripe subscription statuses onto ours.
func stripeSubscriptionStatus(status string) domain.SubscriptionStatus {
	switch status {
	case "trialing":
		return domain.SubscriptionStatusTrialing
	case "active":
		return domain.SubscriptionStatusActive
	case "past_due", "unpaid", "incomplete":
		return domain.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusActive
	}
}
