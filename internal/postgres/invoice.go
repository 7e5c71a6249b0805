package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// InvoiceStore implements domain.InvoiceStore using PostgreSQL.
type InvoiceStore struct {
	db *pgxpool.Pool
}

// Compile-time check that InvoiceStore implements domain.InvoiceStore.
var _ domain.InvoiceStore = (*InvoiceStore)(nil)

// NewInvoiceStore creates a new PostgreSQL-backed invoice store.
func NewInvoiceStore(db *pgxpool.Pool) *InvoiceStore {
	return &InvoiceStore{db: db}
}

// CreateInvoice inserts the invoice and its items, allocating the next number
// from the invoice_number_seq sequence. The sequence is gap-tolerant: a
// rolled-back transaction burns its number.
func (s *InvoiceStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "invoice.create", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return domain.Internal(err, "invoice.create", "failed to allocate invoice number")
	}
	inv.InvoiceNumber = fmt.Sprintf("INV-%06d", seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO invoices (
			id, invoice_number, customer_id,
			subtotal_cents, tax_amount_cents, total_cents, tax_rate,
			status, gateway, external_ref, due_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.InvoiceNumber, inv.CustomerID,
		inv.SubtotalCents, inv.TaxAmountCents, inv.TotalCents, inv.TaxRate,
		string(inv.Status), string(inv.Gateway), inv.ExternalRef, inv.DueDate,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return domain.Internal(err, "invoice.create", "failed to insert invoice")
	}

	if err := insertItems(ctx, tx, inv.ID, inv.Items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Internal(err, "invoice.create", "failed to commit")
	}
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID, items []domain.InvoiceItem) error {
	for i := range items {
		item := &items[i]
		_, err := tx.Exec(ctx, `
			INSERT INTO invoice_items (
				id, invoice_id, description, quantity,
				unit_price_cents, amount_cents, taxable, position
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, invoiceID, item.Description, item.Quantity,
			item.UnitPriceCents, item.AmountCents, item.Taxable, item.Position,
		)
		if err != nil {
			return domain.Internal(err, "invoice.create", "failed to insert invoice item")
		}
	}
	return nil
}

// GetInvoice returns the invoice with its items.
func (s *InvoiceStore) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(ctx, `
		SELECT id, invoice_number, customer_id,
		       subtotal_cents, tax_amount_cents, total_cents, tax_rate,
		       status, gateway, external_ref, due_date, created_at, updated_at
		FROM invoices
		WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("invoice.get", "invoice", id.String())
		}
		return nil, domain.Internal(err, "invoice.get", "failed to get invoice")
	}

	items, err := s.listItems(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return inv, nil
}

func (s *InvoiceStore) listItems(ctx context.Context, invoiceID uuid.UUID) ([]domain.InvoiceItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, invoice_id, description, quantity,
		       unit_price_cents, amount_cents, taxable, position
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY position`, invoiceID)
	if err != nil {
		return nil, domain.Internal(err, "invoice.items", "failed to list invoice items")
	}
	defer rows.Close()

	var items []domain.InvoiceItem
	for rows.Next() {
		var it domain.InvoiceItem
		if err := rows.Scan(
			&it.ID, &it.InvoiceID, &it.Description, &it.Quantity,
			&it.UnitPriceCents, &it.AmountCents, &it.Taxable, &it.Position,
		); err != nil {
			return nil, domain.Internal(err, "invoice.items", "failed to scan invoice item")
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListInvoicesForCustomer lists a customer's invoices, newest first. Items
// are not loaded for list views.
func (s *InvoiceStore) ListInvoicesForCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int32) ([]domain.Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, invoice_number, customer_id,
		       subtotal_cents, tax_amount_cents, total_cents, tax_rate,
		       status, gateway, external_ref, due_date, created_at, updated_at
		FROM invoices
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, customerID, limit, offset)
	if err != nil {
		return nil, domain.Internal(err, "invoice.list", "failed to list invoices")
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, domain.Internal(err, "invoice.list", "failed to scan invoice")
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// ReplaceItems swaps the invoice's line items and updates its totals. The
// totals update carries the draft-status guard; zero rows changed means the
// invoice has left draft and items are locked.
func (s *InvoiceStore) ReplaceItems(ctx context.Context, inv *domain.Invoice) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "invoice.update", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE invoices
		SET subtotal_cents = $2, tax_amount_cents = $3, total_cents = $4,
		    tax_rate = $5, due_date = $6, updated_at = now()
		WHERE id = $1 AND status = 'draft'`,
		inv.ID, inv.SubtotalCents, inv.TaxAmountCents, inv.TotalCents,
		inv.TaxRate, inv.DueDate,
	)
	if err != nil {
		return domain.Internal(err, "invoice.update", "failed to update invoice totals")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvoiceNotDraft
	}

	if _, err := tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, inv.ID); err != nil {
		return domain.Internal(err, "invoice.update", "failed to clear invoice items")
	}
	if err := insertItems(ctx, tx, inv.ID, inv.Items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Internal(err, "invoice.update", "failed to commit")
	}
	return nil
}

// TransitionStatus moves the invoice between statuses with a compare-and-set
// on the current status.
func (s *InvoiceStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.InvoiceStatus) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return 0, domain.Internal(err, "invoice.transition", "failed to update invoice status")
	}
	return tag.RowsAffected(), nil
}

// MarkPaid performs the pending/overdue -> paid compare-and-set and records
// the gateway reference.
func (s *InvoiceStore) MarkPaid(ctx context.Context, id uuid.UUID, gateway domain.Gateway, externalRef string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET status = 'paid', gateway = $2, external_ref = $3, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'overdue')`,
		id, string(gateway), externalRef)
	if err != nil {
		return 0, domain.Internal(err, "invoice.mark_paid", "failed to mark invoice paid")
	}
	return tag.RowsAffected(), nil
}

// MarkInvoicesOverdue transitions pending invoices past their due date.
func (s *InvoiceStore) MarkInvoicesOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET status = 'overdue', updated_at = now()
		WHERE status = 'pending' AND due_date IS NOT NULL AND due_date < $1`,
		now)
	if err != nil {
		return 0, domain.Internal(err, "invoice.mark_overdue", "failed to mark invoices overdue")
	}
	return tag.RowsAffected(), nil
}

// rowScanner lets scanInvoice work for both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var status, gateway string
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.CustomerID,
		&inv.SubtotalCents, &inv.TaxAmountCents, &inv.TotalCents, &inv.TaxRate,
		&status, &gateway, &inv.ExternalRef, &inv.DueDate,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.Gateway = domain.Gateway(gateway)
	return &inv, nil
}
