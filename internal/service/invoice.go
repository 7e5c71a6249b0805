package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/tax"
	"github.com/mkarlsen/greenledger/internal/telemetry"
)

// InvoiceService owns the invoice state machine and totals. All writes to
// invoice rows go through it.
type InvoiceService struct {
	store    domain.InvoiceStore
	taxCalc  tax.Calculator
	gateways *gateway.Registry
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger
}

// NewInvoiceService creates an invoice lifecycle manager. metrics may be nil
// in tests.
func NewInvoiceService(store domain.InvoiceStore, taxCalc tax.Calculator, gateways *gateway.Registry, metrics *telemetry.BusinessMetrics, logger *slog.Logger) *InvoiceService {
	return &InvoiceService{
		store:    store,
		taxCalc:  taxCalc,
		gateways: gateways,
		metrics:  metrics,
		logger:   logger.With("service", "invoice"),
	}
}

// Create computes totals, applies tax when an address is present, and
// persists a draft invoice. Tax-service failure degrades to zero tax; it
// never blocks creation.
func (s *InvoiceService) Create(ctx context.Context, params domain.CreateInvoiceParams) (*domain.Invoice, error) {
	if params.CustomerID == uuid.Nil {
		return nil, domain.Invalid("invoice.create", "customer_id is required")
	}
	items, subtotal, err := buildItems("invoice.create", params.Items)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inv := &domain.Invoice{
		ID:            uuid.New(),
		CustomerID:    params.CustomerID,
		Items:         items,
		SubtotalCents: subtotal,
		Status:        domain.InvoiceStatusDraft,
		DueDate:       params.DueDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := range inv.Items {
		inv.Items[i].InvoiceID = inv.ID
	}

	if params.Address != nil {
		rate, taxCents := s.calculateTax(ctx, *params.Address, items, subtotal)
		inv.TaxRate = rate
		inv.TaxAmountCents = taxCents
	}
	inv.TotalCents = inv.SubtotalCents + inv.TaxAmountCents

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.InvoicesCreated.Inc()
		s.metrics.InvoiceValue.Observe(float64(inv.TotalCents))
	}
	s.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"invoice_number", inv.InvoiceNumber,
		"total_cents", inv.TotalCents)

	return inv, nil
}

// calculateTax runs the taxable portion of the items through the calculator.
// Failures are logged and degrade to zero tax.
func (s *InvoiceService) calculateTax(ctx context.Context, addr domain.Address, items []domain.InvoiceItem, subtotal int64) (float64, int64) {
	taxable := int64(0)
	for _, it := range items {
		if it.Taxable {
			taxable += it.AmountCents
		}
	}
	if taxable == 0 {
		return 0, 0
	}

	result, err := s.taxCalc.Calculate(ctx, tax.Params{Address: addr, AmountCents: taxable})
	if err != nil {
		s.logger.Warn("tax calculation failed, continuing with zero tax", "error", err)
		return 0, 0
	}
	return result.Rate, result.AmountCents
}

// Get returns the invoice, enforcing ownership.
func (s *InvoiceService) Get(ctx context.Context, id, requesterID uuid.UUID) (*domain.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.CustomerID != requesterID {
		return nil, domain.Forbidden("invoice.get", "invoice belongs to another customer")
	}
	return inv, nil
}

// List returns the requester's invoices.
func (s *InvoiceService) List(ctx context.Context, requesterID uuid.UUID, limit, offset int32) ([]domain.Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListInvoicesForCustomer(ctx, requesterID, limit, offset)
}

// Update patches a draft invoice. Items become immutable once the invoice
// leaves draft.
func (s *InvoiceService) Update(ctx context.Context, id, requesterID uuid.UUID, patch domain.UpdateInvoiceParams) (*domain.Invoice, error) {
	inv, err := s.Get(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoiceStatusDraft {
		return nil, domain.ErrInvoiceNotDraft
	}

	if patch.Items != nil {
		items, subtotal, err := buildItems("invoice.update", patch.Items)
		if err != nil {
			return nil, err
		}
		for i := range items {
			items[i].InvoiceID = inv.ID
		}
		inv.Items = items
		inv.SubtotalCents = subtotal
		// Re-apply the stored rate to the new taxable amount.
		taxable := int64(0)
		for _, it := range items {
			if it.Taxable {
				taxable += it.AmountCents
			}
		}
		inv.TaxAmountCents = int64(math.Round(float64(taxable) * inv.TaxRate))
		inv.TotalCents = inv.SubtotalCents + inv.TaxAmountCents
	}
	if patch.DueDate != nil {
		inv.DueDate = patch.DueDate
	}

	// The store re-checks draft status under the row update, so a
	// concurrent finalize cannot slip items in after the guard above.
	if err := s.store.ReplaceItems(ctx, inv); err != nil {
		return nil, err
	}
	return s.Get(ctx, id, requesterID)
}

// Finalize moves a draft invoice to pending.
func (s *InvoiceService) Finalize(ctx context.Context, id, requesterID uuid.UUID) (*domain.Invoice, error) {
	return s.transition(ctx, id, requesterID, domain.InvoiceActionFinalize)
}

// Cancel moves a pending invoice to canceled.
func (s *InvoiceService) Cancel(ctx context.Context, id, requesterID uuid.UUID) (*domain.Invoice, error) {
	return s.transition(ctx, id, requesterID, domain.InvoiceActionCancel)
}

// transition applies a user-initiated action through the transition table,
// then compare-and-sets the row. Zero rows changed means a concurrent writer
// moved the invoice first; the caller gets the fresh state in the error.
func (s *InvoiceService) transition(ctx context.Context, id, requesterID uuid.UUID, action domain.InvoiceAction) (*domain.Invoice, error) {
	inv, err := s.Get(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	next, err := domain.InvoiceNextStatus(inv.Status, action)
	if err != nil {
		return nil, err
	}

	n, err := s.store.TransitionStatus(ctx, id, inv.Status, next)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		fresh, err := s.store.GetInvoice(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, domain.Errorf(domain.EINVALID, "invoice.transition",
			"cannot %s an invoice in status %s", action, fresh.Status)
	}

	inv.Status = next
	return inv, nil
}

// PayWithGateway creates a gateway payment intent for a pending or overdue
// invoice. The invoice itself is untouched; the capture webhook marks it
// paid.
func (s *InvoiceService) PayWithGateway(ctx context.Context, id, requesterID uuid.UUID, gw domain.Gateway) (*domain.PaymentIntentRef, error) {
	inv, err := s.Get(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoiceStatusPending && inv.Status != domain.InvoiceStatusOverdue {
		return nil, domain.Errorf(domain.EINVALID, "invoice.pay",
			"cannot pay an invoice in status %s", inv.Status)
	}

	provider, err := s.gateways.Get(gw)
	if err != nil {
		return nil, err
	}

	ref, err := provider.CreatePaymentIntent(ctx, gateway.PaymentIntentParams{
		AmountCents: inv.TotalCents,
		Currency:    "usd",
		Purpose:     domain.PurposeInvoice,
		EntityID:    inv.ID.String(),
		UserID:      requesterID.String(),
		Description: "Invoice " + inv.InvoiceNumber,
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// MarkPaid applies a payment confirmation. Idempotent: a repeat with the
// same external reference is a no-op; a different reference on an already
// paid invoice is a conflict worth surfacing.
func (s *InvoiceService) MarkPaid(ctx context.Context, id uuid.UUID, gw domain.Gateway, externalRef string) error {
	n, err := s.store.MarkPaid(ctx, id, gw, externalRef)
	if err != nil {
		return err
	}
	if n == 1 {
		if s.metrics != nil {
			s.metrics.InvoicesPaid.WithLabelValues(string(gw)).Inc()
		}
		s.logger.Info("invoice paid", "invoice_id", id, "gateway", gw, "external_ref", externalRef)
		return nil
	}

	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.Status == domain.InvoiceStatusPaid && inv.ExternalRef == externalRef {
		return nil
	}
	if inv.Status == domain.InvoiceStatusPaid {
		return domain.Conflict("invoice.mark_paid", "invoice already paid with a different payment reference")
	}
	return domain.Errorf(domain.EINVALID, "invoice.mark_paid",
		"cannot mark an invoice in status %s paid", inv.Status)
}

// MarkOverdue moves a pending invoice to overdue after a failed payment.
func (s *InvoiceService) MarkOverdue(ctx context.Context, id uuid.UUID) error {
	n, err := s.store.TransitionStatus(ctx, id, domain.InvoiceStatusPending, domain.InvoiceStatusOverdue)
	if err != nil {
		return err
	}
	if n == 0 {
		inv, err := s.store.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		// Already overdue or settled; either way there is nothing to do.
		if inv.Status != domain.InvoiceStatusPending {
			return nil
		}
	}
	return nil
}

// MarkInvoicesOverdue sweeps pending invoices past their due date. Run by the
// background worker.
func (s *InvoiceService) MarkInvoicesOverdue(ctx context.Context) (int64, error) {
	n, err := s.store.MarkInvoicesOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("marked invoices overdue", "count", n)
	}
	return n, nil
}

// buildItems validates requested line items and computes the subtotal. Field
// failures come back as a ValidationError keyed by item position so handlers
// can surface them per field.
func buildItems(op string, params []domain.CreateInvoiceItemParams) ([]domain.InvoiceItem, int64, error) {
	if len(params) == 0 {
		return nil, 0, domain.ErrInvoiceNoItems
	}

	fields := make(map[string]string)
	items := make([]domain.InvoiceItem, len(params))
	subtotal := int64(0)
	for i, p := range params {
		if p.Description == "" {
			fields[fmt.Sprintf("items[%d].description", i)] = "Description is required"
		}
		if p.Quantity <= 0 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "Quantity must be positive"
		}
		if p.UnitPriceCents < 0 {
			fields[fmt.Sprintf("items[%d].unitPriceCents", i)] = "Unit price must not be negative"
		}
		amount := p.Quantity * p.UnitPriceCents
		items[i] = domain.InvoiceItem{
			ID:             uuid.New(),
			Description:    p.Description,
			Quantity:       p.Quantity,
			UnitPriceCents: p.UnitPriceCents,
			AmountCents:    amount,
			Taxable:        p.Taxable,
			Position:       int32(i),
		}
		subtotal += amount
	}
	if len(fields) > 0 {
		return nil, 0, &domain.ValidationError{Op: op, Fields: fields}
	}
	return items, subtotal, nil
}
