package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// DonationStore implements domain.DonationStore using PostgreSQL. Donation
// completion and the offset ledger increment share one transaction so a crash
// can never leave a completed donation with an un-incremented ledger.
type DonationStore struct {
	db *pgxpool.Pool
}

// Compile-time check that DonationStore implements domain.DonationStore.
var _ domain.DonationStore = (*DonationStore)(nil)

// NewDonationStore creates a new PostgreSQL-backed donation store.
func NewDonationStore(db *pgxpool.Pool) *DonationStore {
	return &DonationStore{db: db}
}

const donationColumns = `
	id, user_id, organization_id, carbon_kg, cost_cents, gateway,
	external_purchase_id, project_type, status, created_at, updated_at`

// CreateDonation inserts a pending donation.
func (s *DonationStore) CreateDonation(ctx context.Context, d *domain.Donation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO carbon_donations (
			id, user_id, organization_id, carbon_kg, cost_cents, gateway,
			external_purchase_id, project_type, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.UserID, d.OrganizationID, d.CarbonKg, d.CostCents, string(d.Gateway),
		d.ExternalPurchaseID, string(d.ProjectType), string(d.Status),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return domain.Internal(err, "donation.create", "failed to insert donation")
	}
	return nil
}

// GetDonation returns the donation by ID.
func (s *DonationStore) GetDonation(ctx context.Context, id uuid.UUID) (*domain.Donation, error) {
	d, err := scanDonation(s.db.QueryRow(ctx,
		`SELECT `+donationColumns+` FROM carbon_donations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("donation.get", "donation", id.String())
		}
		return nil, domain.Internal(err, "donation.get", "failed to get donation")
	}
	return d, nil
}

// GetByExternalPurchaseID looks a donation up by its gateway purchase
// reference.
func (s *DonationStore) GetByExternalPurchaseID(ctx context.Context, gateway domain.Gateway, externalID string) (*domain.Donation, error) {
	d, err := scanDonation(s.db.QueryRow(ctx,
		`SELECT `+donationColumns+` FROM carbon_donations WHERE gateway = $1 AND external_purchase_id = $2`,
		string(gateway), externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("donation.get_external", "donation", externalID)
		}
		return nil, domain.Internal(err, "donation.get_external", "failed to get donation")
	}
	return d, nil
}

// CompleteDonation flips pending -> completed and increments the user's
// ledger in the same transaction. The compare-and-set on status makes
// duplicate completions a no-op: the second caller sees zero rows and never
// reaches the ledger.
func (s *DonationStore) CompleteDonation(ctx context.Context, id uuid.UUID) (int64, error) {
	return s.settle(ctx, id, "donation.complete",
		`UPDATE carbon_donations
		 SET status = 'completed', updated_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING user_id, carbon_kg`,
		false)
}

// RefundDonation flips completed -> refunded and decrements the ledger in the
// same transaction.
func (s *DonationStore) RefundDonation(ctx context.Context, id uuid.UUID) (int64, error) {
	return s.settle(ctx, id, "donation.refund",
		`UPDATE carbon_donations
		 SET status = 'refunded', updated_at = now()
		 WHERE id = $1 AND status = 'completed'
		 RETURNING user_id, carbon_kg`,
		true)
}

// settle runs one of the status flips that also adjusts the ledger.
func (s *DonationStore) settle(ctx context.Context, id uuid.UUID, op, updateSQL string, negate bool) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var carbonKg decimal.Decimal
	err = tx.QueryRow(ctx, updateSQL, id).Scan(&userID, &carbonKg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Not in the required status; nothing to do.
			return 0, nil
		}
		return 0, domain.Internal(err, op, "failed to update donation status")
	}

	delta := carbonKg
	if negate {
		delta = carbonKg.Neg()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO offset_ledger (user_id, total_carbon_kg, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET total_carbon_kg = offset_ledger.total_carbon_kg + EXCLUDED.total_carbon_kg,
		    updated_at = now()`,
		userID, delta)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to adjust offset ledger")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, domain.Internal(err, op, "failed to commit")
	}
	return 1, nil
}

// FailDonation flips pending -> failed. The ledger is untouched; pending
// donations were never counted.
func (s *DonationStore) FailDonation(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE carbon_donations
		SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return 0, domain.Internal(err, "donation.fail", "failed to update donation status")
	}
	return tag.RowsAffected(), nil
}

// GetLedger returns the user's cumulative completed total, zero when the user
// has no completed donations.
func (s *DonationStore) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.OffsetLedgerEntry, error) {
	entry := &domain.OffsetLedgerEntry{UserID: userID, TotalCarbonKg: decimal.Zero}
	err := s.db.QueryRow(ctx, `
		SELECT total_carbon_kg, updated_at
		FROM offset_ledger
		WHERE user_id = $1`, userID).Scan(&entry.TotalCarbonKg, &entry.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Internal(err, "donation.ledger", "failed to get offset ledger")
	}
	return entry, nil
}

// FailStalePending marks pending donations older than cutoff failed.
func (s *DonationStore) FailStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE carbon_donations
		SET status = 'failed', updated_at = now()
		WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, domain.Internal(err, "donation.fail_stale", "failed to fail stale donations")
	}
	return tag.RowsAffected(), nil
}

func scanDonation(row rowScanner) (*domain.Donation, error) {
	var d domain.Donation
	var gateway, projectType, status string
	err := row.Scan(
		&d.ID, &d.UserID, &d.OrganizationID, &d.CarbonKg, &d.CostCents, &gateway,
		&d.ExternalPurchaseID, &projectType, &status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Gateway = domain.Gateway(gateway)
	d.ProjectType = domain.ProjectType(projectType)
	d.Status = domain.DonationStatus(status)
	return &d, nil
}
