package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/tax"
)

func newInvoiceService(store domain.InvoiceStore, taxCalc tax.Calculator, gw *gateway.MockProvider) *InvoiceService {
	if taxCalc == nil {
		taxCalc = tax.NewNoTaxCalculator()
	}
	if gw == nil {
		gw = gateway.NewMockProvider(domain.GatewayStripe)
	}
	return NewInvoiceService(store, taxCalc, gateway.NewRegistry(gw), nil, testLogger())
}

func twoItemParams(customerID uuid.UUID) domain.CreateInvoiceParams {
	return domain.CreateInvoiceParams{
		CustomerID: customerID,
		Items: []domain.CreateInvoiceItemParams{
			{Description: "Consulting", Quantity: 1, UnitPriceCents: 5000, Taxable: true},
			{Description: "Support", Quantity: 1, UnitPriceCents: 3000, Taxable: true},
		},
	}
}

func TestInvoiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("computes totals without address", func(t *testing.T) {
		store := newFakeInvoiceStore()
		svc := newInvoiceService(store, &tax.MockCalculator{}, nil)
		customerID := uuid.New()

		inv, err := svc.Create(ctx, twoItemParams(customerID))

		assert.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusDraft, inv.Status)
		assert.Equal(t, int64(8000), inv.SubtotalCents)
		assert.Equal(t, int64(0), inv.TaxAmountCents)
		assert.Equal(t, int64(8000), inv.TotalCents)
		assert.NotEmpty(t, inv.InvoiceNumber)
		assert.Len(t, inv.Items, 2)
	})

	t.Run("applies tax when address present", func(t *testing.T) {
		store := newFakeInvoiceStore()
		svc := newInvoiceService(store, &tax.MockCalculator{}, nil)

		params := twoItemParams(uuid.New())
		params.Address = &domain.Address{Line1: "1 Main St", City: "Portland", State: "OR", PostalCode: "97201", Country: "US"}

		inv, err := svc.Create(ctx, params)

		assert.NoError(t, err)
		assert.Equal(t, int64(8000), inv.SubtotalCents)
		assert.Equal(t, int64(800), inv.TaxAmountCents)
		assert.Equal(t, int64(8800), inv.TotalCents)
		assert.Equal(t, 0.10, inv.TaxRate)
	})

	t.Run("tax service failure degrades to zero tax", func(t *testing.T) {
		store := newFakeInvoiceStore()
		taxCalc := &tax.MockCalculator{
			CalculateFunc: func(ctx context.Context, params tax.Params) (*tax.Result, error) {
				return nil, errors.New("tax service down")
			},
		}
		svc := newInvoiceService(store, taxCalc, nil)

		params := twoItemParams(uuid.New())
		params.Address = &domain.Address{Country: "US"}

		inv, err := svc.Create(ctx, params)

		assert.NoError(t, err)
		assert.Equal(t, int64(0), inv.TaxAmountCents)
		assert.Equal(t, int64(8000), inv.TotalCents)
	})

	t.Run("rejects empty item list", func(t *testing.T) {
		svc := newInvoiceService(newFakeInvoiceStore(), nil, nil)

		_, err := svc.Create(ctx, domain.CreateInvoiceParams{CustomerID: uuid.New()})

		assert.Error(t, err)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		svc := newInvoiceService(newFakeInvoiceStore(), nil, nil)

		_, err := svc.Create(ctx, domain.CreateInvoiceParams{
			CustomerID: uuid.New(),
			Items:      []domain.CreateInvoiceItemParams{{Description: "x", Quantity: 0, UnitPriceCents: 100}},
		})

		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		assert.Contains(t, domain.GetValidationFields(err), "items[0].quantity")
	})
}

func TestInvoiceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newFakeInvoiceStore()
	svc := newInvoiceService(store, &tax.MockCalculator{}, nil)
	customerID := uuid.New()

	inv, err := svc.Create(ctx, twoItemParams(customerID))
	assert.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusDraft, inv.Status)

	inv, err = svc.Finalize(ctx, inv.ID, customerID)
	assert.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status)

	err = svc.MarkPaid(ctx, inv.ID, domain.GatewayStripe, "pi_abc123")
	assert.NoError(t, err)

	paid, err := svc.Get(ctx, inv.ID, customerID)
	assert.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, paid.Status)
	assert.Equal(t, "pi_abc123", paid.ExternalRef)

	// Paid is terminal.
	_, err = svc.Cancel(ctx, inv.ID, customerID)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestInvoiceMarkPaidIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeInvoiceStore()
	svc := newInvoiceService(store, nil, nil)
	customerID := uuid.New()

	inv, _ := svc.Create(ctx, twoItemParams(customerID))
	_, err := svc.Finalize(ctx, inv.ID, customerID)
	assert.NoError(t, err)

	assert.NoError(t, svc.MarkPaid(ctx, inv.ID, domain.GatewayStripe, "pi_abc123"))

	// Redelivery with the same reference is a no-op.
	assert.NoError(t, svc.MarkPaid(ctx, inv.ID, domain.GatewayStripe, "pi_abc123"))

	// A different reference on a paid invoice is a conflict.
	err = svc.MarkPaid(ctx, inv.ID, domain.GatewayStripe, "pi_other")
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func TestInvoiceUpdate(t *testing.T) {
	ctx := context.Background()
	store := newFakeInvoiceStore()
	svc := newInvoiceService(store, &tax.MockCalculator{}, nil)
	customerID := uuid.New()

	params := twoItemParams(customerID)
	params.Address = &domain.Address{Country: "US"}
	inv, err := svc.Create(ctx, params)
	assert.NoError(t, err)

	t.Run("replaces items and recomputes totals in draft", func(t *testing.T) {
		updated, err := svc.Update(ctx, inv.ID, customerID, domain.UpdateInvoiceParams{
			Items: []domain.CreateInvoiceItemParams{
				{Description: "Consulting", Quantity: 2, UnitPriceCents: 5000, Taxable: true},
			},
		})

		assert.NoError(t, err)
		assert.Equal(t, int64(10000), updated.SubtotalCents)
		assert.Equal(t, int64(1000), updated.TaxAmountCents)
		assert.Equal(t, int64(11000), updated.TotalCents)
	})

	t.Run("rejects updates after finalize", func(t *testing.T) {
		_, err := svc.Finalize(ctx, inv.ID, customerID)
		assert.NoError(t, err)

		_, err = svc.Update(ctx, inv.ID, customerID, domain.UpdateInvoiceParams{
			Items: []domain.CreateInvoiceItemParams{{Description: "x", Quantity: 1, UnitPriceCents: 1}},
		})
		assert.ErrorIs(t, err, domain.ErrInvoiceNotDraft)
	})
}

func TestInvoiceOwnership(t *testing.T) {
	ctx := context.Background()
	store := newFakeInvoiceStore()
	svc := newInvoiceService(store, nil, nil)
	owner := uuid.New()

	inv, _ := svc.Create(ctx, twoItemParams(owner))

	_, err := svc.Get(ctx, inv.ID, uuid.New())
	assert.Equal(t, domain.EFORBIDDEN, domain.ErrorCode(err))
}

func TestInvoicePayWithGateway(t *testing.T) {
	ctx := context.Background()
	store := newFakeInvoiceStore()
	mock := gateway.NewMockProvider(domain.GatewayStripe)
	svc := newInvoiceService(store, nil, mock)
	customerID := uuid.New()

	inv, _ := svc.Create(ctx, twoItemParams(customerID))

	t.Run("rejects draft invoice", func(t *testing.T) {
		_, err := svc.PayWithGateway(ctx, inv.ID, customerID, domain.GatewayStripe)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		assert.Empty(t, mock.CallLog)
	})

	t.Run("creates intent for pending invoice", func(t *testing.T) {
		_, err := svc.Finalize(ctx, inv.ID, customerID)
		assert.NoError(t, err)

		ref, err := svc.PayWithGateway(ctx, inv.ID, customerID, domain.GatewayStripe)
		assert.NoError(t, err)
		assert.NotEmpty(t, ref.ExternalID)
		assert.Len(t, mock.CallLog, 1)
	})

	t.Run("rejects unconfigured gateway", func(t *testing.T) {
		_, err := svc.PayWithGateway(ctx, inv.ID, customerID, domain.GatewayPayPal)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

func TestMarkInvoicesOverdue(t *testing.T) {
	ctx := context.Background()
	store := newFakeInvoiceStore()
	svc := newInvoiceService(store, nil, nil)
	customerID := uuid.New()

	past := time.Now().UTC().Add(-48 * time.Hour)
	future := time.Now().UTC().Add(48 * time.Hour)

	overdue := twoItemParams(customerID)
	overdue.DueDate = &past
	inv1, _ := svc.Create(ctx, overdue)
	svc.Finalize(ctx, inv1.ID, customerID)

	current := twoItemParams(customerID)
	current.DueDate = &future
	inv2, _ := svc.Create(ctx, current)
	svc.Finalize(ctx, inv2.ID, customerID)

	n, err := svc.MarkInvoicesOverdue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got1, _ := store.GetInvoice(ctx, inv1.ID)
	got2, _ := store.GetInvoice(ctx, inv2.ID)
	assert.Equal(t, domain.InvoiceStatusOverdue, got1.Status)
	assert.Equal(t, domain.InvoiceStatusPending, got2.Status)

	// Overdue invoices can still be paid.
	assert.NoError(t, svc.MarkPaid(ctx, inv1.ID, domain.GatewayStripe, "pi_late"))
	got1, _ = store.GetInvoice(ctx, inv1.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, got1.Status)
}
