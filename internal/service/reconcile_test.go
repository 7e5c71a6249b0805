package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/ratelimit"
	"github.com/mkarlsen/greenledger/internal/tax"
)

// reconcileFixture wires a reconciliation engine over in-memory stores and a
// single mock gateway.
type reconcileFixture struct {
	svc       *ReconcileService
	provider  *gateway.MockProvider
	invoices  *fakeInvoiceStore
	donations *fakeDonationStore
	subs      *fakeSubscriptionStore
	ledger    *fakeEventStore

	invoiceSvc *InvoiceService
	offsetSvc  *OffsetService
}

func newReconcileFixture() *reconcileFixture {
	f := &reconcileFixture{
		provider:  gateway.NewMockProvider(domain.GatewayStripe),
		invoices:  newFakeInvoiceStore(),
		donations: newFakeDonationStore(),
		subs:      newFakeSubscriptionStore(),
		ledger:    newFakeEventStore(),
	}
	logger := testLogger()
	registry := gateway.NewRegistry(f.provider)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil)

	f.invoiceSvc = NewInvoiceService(f.invoices, tax.NewNoTaxCalculator(), registry, nil, logger)
	subSvc := NewSubscriptionService(f.subs, registry, nil, logger, "", "")
	f.offsetSvc = NewOffsetService(f.donations, registry, limiter, nil, logger)
	f.svc = NewReconcileService(registry, f.ledger, f.invoiceSvc, subSvc, f.offsetSvc, nil, logger)
	return f
}

// deliver sets the next verified event and runs it through Process.
func (f *reconcileFixture) deliver(t *testing.T, ev *domain.Event) error {
	t.Helper()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	f.provider.VerifyWebhookFunc = func(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
		return ev, nil
	}
	return f.svc.Process(context.Background(), domain.GatewayStripe, []byte("{}"), http.Header{})
}

// pendingInvoice creates an invoice and finalizes it so a payment can land.
func (f *reconcileFixture) pendingInvoice(t *testing.T) *domain.Invoice {
	t.Helper()
	ctx := context.Background()
	customerID := uuid.New()
	inv, err := f.invoiceSvc.Create(ctx, twoItemParams(customerID))
	assert.NoError(t, err)
	inv, err = f.invoiceSvc.Finalize(ctx, inv.ID, customerID)
	assert.NoError(t, err)
	return inv
}

func TestProcessInvoicePaid(t *testing.T) {
	f := newReconcileFixture()
	inv := f.pendingInvoice(t)

	err := f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_1",
		Type:            domain.EventInvoicePaid,
		EntityRef:       inv.ID.String(),
		ExternalRef:     "pi_1",
	})

	assert.NoError(t, err)
	got, _ := f.invoices.GetInvoice(context.Background(), inv.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)
	assert.True(t, f.ledger.processed(domain.GatewayStripe, "evt_1"))
}

func TestProcessDuplicateDelivery(t *testing.T) {
	f := newReconcileFixture()
	inv := f.pendingInvoice(t)

	ev := &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_dup",
		Type:            domain.EventInvoicePaid,
		EntityRef:       inv.ID.String(),
		ExternalRef:     "pi_1",
	}
	assert.NoError(t, f.deliver(t, ev))
	assert.NoError(t, f.deliver(t, ev))

	assert.Equal(t, 1, f.ledger.count())
	got, _ := f.invoices.GetInvoice(context.Background(), inv.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)
}

func TestProcessInvalidSignature(t *testing.T) {
	f := newReconcileFixture()
	f.provider.VerifyWebhookFunc = func(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
		return nil, gateway.ErrInvalidSignature
	}

	err := f.svc.Process(context.Background(), domain.GatewayStripe, []byte("{}"), http.Header{})

	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
	assert.Equal(t, 0, f.ledger.count())
}

func TestProcessMalformedPayload(t *testing.T) {
	f := newReconcileFixture()
	f.provider.VerifyWebhookFunc = func(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
		return nil, gateway.ErrMalformedEvent
	}

	err := f.svc.Process(context.Background(), domain.GatewayStripe, []byte("not json"), http.Header{})

	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	assert.Equal(t, 0, f.ledger.count())
}

func TestProcessIgnoredEvent(t *testing.T) {
	f := newReconcileFixture()

	err := f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_ignored",
		Type:            domain.EventIgnored,
	})

	assert.NoError(t, err)
	// Ignored events never enter the ledger.
	assert.Equal(t, 0, f.ledger.count())
}

func TestProcessUnknownGateway(t *testing.T) {
	f := newReconcileFixture()

	err := f.svc.Process(context.Background(), domain.GatewayPayPal, []byte("{}"), http.Header{})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestProcessPermanentErrorAcked(t *testing.T) {
	f := newReconcileFixture()

	// Payment for an invoice that does not exist locally: redelivery can
	// never fix it, so the event is acknowledged and recorded.
	err := f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_orphan",
		Type:            domain.EventInvoicePaid,
		EntityRef:       uuid.New().String(),
		ExternalRef:     "pi_orphan",
	})

	assert.NoError(t, err)
	assert.True(t, f.ledger.processed(domain.GatewayStripe, "evt_orphan"))
}

// failingInvoiceStore injects a transient failure into MarkPaid.
type failingInvoiceStore struct {
	*fakeInvoiceStore
}

func (s *failingInvoiceStore) MarkPaid(ctx context.Context, id uuid.UUID, gw domain.Gateway, externalRef string) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestProcessTransientErrorRetried(t *testing.T) {
	f := newReconcileFixture()
	inv := f.pendingInvoice(t)

	logger := testLogger()
	registry := gateway.NewRegistry(f.provider)
	brokenInvoices := NewInvoiceService(&failingInvoiceStore{f.invoices}, tax.NewNoTaxCalculator(), registry, nil, logger)
	subSvc := NewSubscriptionService(f.subs, registry, nil, logger, "", "")
	broken := NewReconcileService(registry, f.ledger, brokenInvoices, subSvc, f.offsetSvc, nil, logger)

	ev := &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_flaky",
		Type:            domain.EventInvoicePaid,
		EntityRef:       inv.ID.String(),
		ExternalRef:     "pi_flaky",
		ReceivedAt:      time.Now().UTC(),
	}
	f.provider.VerifyWebhookFunc = func(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
		return ev, nil
	}

	err := broken.Process(context.Background(), domain.GatewayStripe, []byte("{}"), http.Header{})
	assert.Error(t, err)

	// The ledger entry stays unprocessed so the gateway retry re-dispatches.
	assert.Equal(t, 1, f.ledger.count())
	assert.False(t, f.ledger.processed(domain.GatewayStripe, "evt_flaky"))

	// Retry against a healthy store succeeds.
	assert.NoError(t, f.deliver(t, ev))
	assert.True(t, f.ledger.processed(domain.GatewayStripe, "evt_flaky"))
	got, _ := f.invoices.GetInvoice(context.Background(), inv.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)
}

func TestProcessDonationCapture(t *testing.T) {
	f := newReconcileFixture()
	ctx := context.Background()

	intent, err := f.offsetSvc.CreateDonationIntent(ctx, donationParams(uuid.New()))
	assert.NoError(t, err)

	err = f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_capture",
		Type:            domain.EventPaymentCaptured,
		Purpose:         domain.PurposeDonation,
		ExternalRef:     intent.Donation.ExternalPurchaseID,
	})

	assert.NoError(t, err)
	got, _ := f.donations.GetDonation(ctx, intent.Donation.ID)
	assert.Equal(t, domain.DonationStatusCompleted, got.Status)
}

func TestProcessDonationCaptureResolvedByMetadata(t *testing.T) {
	f := newReconcileFixture()
	ctx := context.Background()

	intent, err := f.offsetSvc.CreateDonationIntent(ctx, donationParams(uuid.New()))
	assert.NoError(t, err)

	// The capture event references the capture object rather than the stored
	// purchase ID; the donation ID carried in metadata must still resolve it.
	err = f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_capture_meta",
		Type:            domain.EventPaymentCaptured,
		Purpose:         domain.PurposeDonation,
		EntityRef:       intent.Donation.ID.String(),
		ExternalRef:     "CAPTURE-77",
	})

	assert.NoError(t, err)
	got, _ := f.donations.GetDonation(ctx, intent.Donation.ID)
	assert.Equal(t, domain.DonationStatusCompleted, got.Status)
	assert.True(t, f.ledger.processed(domain.GatewayStripe, "evt_capture_meta"))
}

func TestProcessPaymentWithoutPurpose(t *testing.T) {
	f := newReconcileFixture()

	err := f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_nopurpose",
		Type:            domain.EventPaymentCaptured,
		ExternalRef:     "pi_mystery",
	})

	// Undiscriminated payments are permanent failures: acked and recorded.
	assert.NoError(t, err)
	assert.True(t, f.ledger.processed(domain.GatewayStripe, "evt_nopurpose"))
}

func TestProcessInvoiceRefundAcknowledged(t *testing.T) {
	f := newReconcileFixture()
	inv := f.pendingInvoice(t)
	ctx := context.Background()

	assert.NoError(t, f.invoiceSvc.MarkPaid(ctx, inv.ID, domain.GatewayStripe, "pi_1"))

	err := f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_refund",
		Type:            domain.EventPaymentRefunded,
		Purpose:         domain.PurposeInvoice,
		ExternalRef:     "pi_1",
	})

	// Paid invoices stay paid; the refund is acknowledged only.
	assert.NoError(t, err)
	got, _ := f.invoices.GetInvoice(ctx, inv.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)
	assert.True(t, f.ledger.processed(domain.GatewayStripe, "evt_refund"))
}

func TestProcessSubscriptionEvents(t *testing.T) {
	f := newReconcileFixture()
	ctx := context.Background()
	userID := uuid.New()

	err := f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_sub_created",
		Type:            domain.EventSubscriptionCreated,
		UserID:          userID.String(),
		Subscription: &domain.SubscriptionEventData{
			ExternalSubscriptionID: "sub_1",
			Tier:                   domain.TierBasic,
			Status:                 domain.SubscriptionStatusActive,
		},
	})
	assert.NoError(t, err)

	sub, err := f.subs.GetByExternalID(ctx, domain.GatewayStripe, "sub_1")
	assert.NoError(t, err)
	assert.Equal(t, userID, sub.UserID)

	err = f.deliver(t, &domain.Event{
		Gateway:         domain.GatewayStripe,
		ExternalEventID: "evt_sub_deleted",
		Type:            domain.EventSubscriptionDeleted,
		Subscription: &domain.SubscriptionEventData{
			ExternalSubscriptionID: "sub_1",
		},
	})
	assert.NoError(t, err)

	got, _ := f.subs.GetSubscription(ctx, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusCanceled, got.Status)
}
