package domain

import (
	"context"
	"time"
)

// Gateway identifies a payment provider.
type Gateway string

const (
	GatewayStripe Gateway = "stripe"
	GatewayPayPal Gateway = "paypal"
)

// ParseGateway validates a gateway name from user input or a URL path.
func ParseGateway(s string) (Gateway, error) {
	switch Gateway(s) {
	case GatewayStripe, GatewayPayPal:
		return Gateway(s), nil
	}
	return "", Errorf(EINVALID, "gateway.parse", "unknown payment gateway: %q", s)
}

// EventType is the normalized event category shared by all gateways. Adapters
// translate provider-specific event names into these before anything else
// sees the payload.
type EventType string

const (
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionDeleted  EventType = "subscription.deleted"
	EventPaymentCaptured      EventType = "payment.captured"
	EventPaymentFailed        EventType = "payment.failed"
	EventPaymentRefunded      EventType = "payment.refunded"

	// EventIgnored marks provider events we receive but do not act on. The
	// reconciliation engine acknowledges and drops them.
	EventIgnored EventType = "ignored"
)

// PaymentPurpose disambiguates payment.* events, which both the invoice and
// donation flows produce. Adapters read it from provider metadata.
type PaymentPurpose string

const (
	PurposeInvoice  PaymentPurpose = "invoice"
	PurposeDonation PaymentPurpose = "donation"
)

// Event is the normalized gateway event. The reconciliation engine and the
// lifecycle managers operate only on this shape, never on raw provider
// payloads.
type Event struct {
	Gateway         Gateway
	ExternalEventID string
	Type            EventType

	// EntityRef is the local entity ID carried in provider metadata
	// (invoice or donation ID), when present.
	EntityRef string

	// ExternalRef is the provider-side object ID (payment intent, capture,
	// subscription, ...) the event refers to.
	ExternalRef string

	// Purpose discriminates payment.* events between invoices and donations.
	Purpose PaymentPurpose

	// UserID is the acting user carried in provider metadata, when present.
	UserID string

	// AmountCents is the payment amount, when the provider reports one.
	AmountCents int64

	// Subscription carries subscription state for subscription.* events.
	Subscription *SubscriptionEventData

	ReceivedAt time.Time
}

// SubscriptionEventData is the subscription payload of a normalized event.
type SubscriptionEventData struct {
	ExternalSubscriptionID string
	Tier                   SubscriptionTier
	Status                 SubscriptionStatus
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
}

// GatewayEvent is an idempotency ledger entry. (Gateway, ExternalEventID) is
// the primary key; Processed flips to true only after the owning lifecycle
// manager has applied the event.
type GatewayEvent struct {
	Gateway         Gateway
	ExternalEventID string
	Type            EventType
	ReceivedAt      time.Time
	Processed       bool
	ProcessedAt     *time.Time
}

// EventStore is the idempotency ledger.
type EventStore interface {
	// InsertEvent records the event if it is new. Returns the stored entry
	// and whether this call inserted it; a concurrent or earlier delivery
	// wins the insert and the loser sees inserted=false. Must be a single
	// atomic check-and-insert.
	InsertEvent(ctx context.Context, ev GatewayEvent) (entry GatewayEvent, inserted bool, err error)

	// MarkProcessed flips the entry's processed flag.
	MarkProcessed(ctx context.Context, gateway Gateway, externalEventID string) error
}
