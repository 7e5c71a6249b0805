package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusCanceled InvoiceStatus = "canceled"
	InvoiceStatusOverdue  InvoiceStatus = "overdue"
)

// InvoiceAction names a transition attempt on an invoice.
type InvoiceAction string

const (
	InvoiceActionFinalize    InvoiceAction = "finalize"
	InvoiceActionCancel      InvoiceAction = "cancel"
	InvoiceActionMarkPaid    InvoiceAction = "mark_paid"
	InvoiceActionMarkOverdue InvoiceAction = "mark_overdue"
)

// invoiceTransitions is the state x action -> state table. Any pair absent
// from the table is an illegal transition.
var invoiceTransitions = map[InvoiceStatus]map[InvoiceAction]InvoiceStatus{
	InvoiceStatusDraft: {
		InvoiceActionFinalize: InvoiceStatusPending,
	},
	InvoiceStatusPending: {
		InvoiceActionCancel:      InvoiceStatusCanceled,
		InvoiceActionMarkPaid:    InvoiceStatusPaid,
		InvoiceActionMarkOverdue: InvoiceStatusOverdue,
	},
	InvoiceStatusOverdue: {
		InvoiceActionMarkPaid: InvoiceStatusPaid,
	},
}

// InvoiceNextStatus resolves a transition, or returns an ErrInvalidInvoiceTransition
// error when the action is not permitted from the current status.
func InvoiceNextStatus(current InvoiceStatus, action InvoiceAction) (InvoiceStatus, error) {
	if next, ok := invoiceTransitions[current][action]; ok {
		return next, nil
	}
	return "", Errorf(EINVALID, "invoice.transition",
		"cannot %s an invoice in status %s", action, current)
}

// Invoice-related domain errors.
var (
	ErrInvoiceNotDraft    = &Error{Code: EINVALID, Message: "Invoice can only be modified while in draft status"}
	ErrInvoiceItemsLocked = &Error{Code: EINVALID, Message: "Invoice items are immutable after finalization"}
	ErrInvoiceNoItems     = &Error{Code: EINVALID, Message: "Invoice requires at least one line item"}
)

// Invoice is a customer invoice. Money is in integer cents; Total is always
// Subtotal + TaxAmount.
type Invoice struct {
	ID             uuid.UUID
	InvoiceNumber  string
	CustomerID     uuid.UUID
	Items          []InvoiceItem
	SubtotalCents  int64
	TaxAmountCents int64
	TotalCents     int64
	TaxRate        float64
	Status         InvoiceStatus
	Gateway        Gateway // zero when no payment is attached
	ExternalRef    string  // gateway payment reference, empty until paid
	DueDate        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceItem is one line on an invoice.
type InvoiceItem struct {
	ID             uuid.UUID
	InvoiceID      uuid.UUID
	Description    string
	Quantity       int64
	UnitPriceCents int64
	AmountCents    int64 // Quantity * UnitPriceCents
	Taxable        bool
	Position       int32
}

// CreateInvoiceParams contains parameters for creating a draft invoice.
type CreateInvoiceParams struct {
	CustomerID uuid.UUID
	Items      []CreateInvoiceItemParams
	// Address is the billing address used for tax calculation. Nil means no
	// tax is collected.
	Address *Address
	DueDate *time.Time
}

// CreateInvoiceItemParams is one requested line item.
type CreateInvoiceItemParams struct {
	Description    string
	Quantity       int64
	UnitPriceCents int64
	Taxable        bool
}

// UpdateInvoiceParams patches a draft invoice. Nil fields are left unchanged;
// a non-nil Items slice replaces the full item list.
type UpdateInvoiceParams struct {
	Items   []CreateInvoiceItemParams
	DueDate *time.Time
}

// Address is a billing address, passed through to the tax service.
type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// InvoiceStore persists invoices and their items.
type InvoiceStore interface {
	// CreateInvoice inserts the invoice and its items, allocating the next
	// invoice number from the persisted sequence.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice returns the invoice with items, or ENOTFOUND.
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)

	// ListInvoicesForCustomer lists a customer's invoices, newest first.
	ListInvoicesForCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int32) ([]Invoice, error)

	// ReplaceItems swaps the invoice's line items and updates its totals.
	// Only valid while the invoice is draft; enforced by the caller holding
	// the row lock.
	ReplaceItems(ctx context.Context, inv *Invoice) error

	// TransitionStatus moves the invoice from one status to another using a
	// compare-and-set on the current status. Returns the number of rows
	// changed (0 when the invoice was not in fromStatus).
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to InvoiceStatus) (int64, error)

	// MarkPaid performs the PENDING/OVERDUE -> PAID compare-and-set and
	// records the gateway reference. Returns rows changed.
	MarkPaid(ctx context.Context, id uuid.UUID, gateway Gateway, externalRef string) (int64, error)

	// MarkInvoicesOverdue transitions pending invoices past their due date
	// to overdue. Returns the number of invoices updated.
	MarkInvoicesOverdue(ctx context.Context, now time.Time) (int64, error)
}
