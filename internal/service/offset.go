package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/ratelimit"
	"github.com/mkarlsen/greenledger/internal/telemetry"
)

// RateLimitOpDonationCreate is the rate limiter operation for donation
// intents.
const RateLimitOpDonationCreate = "donation_create"

// OffsetService owns the carbon-offset donation state machine and the
// cumulative offset ledger. Completion is the only path that writes both.
type OffsetService struct {
	store    domain.DonationStore
	gateways *gateway.Registry
	limiter  *ratelimit.Limiter
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger
}

// NewOffsetService creates a carbon-offset transaction manager.
func NewOffsetService(store domain.DonationStore, gateways *gateway.Registry, limiter *ratelimit.Limiter, metrics *telemetry.BusinessMetrics, logger *slog.Logger) *OffsetService {
	return &OffsetService{
		store:    store,
		gateways: gateways,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger.With("service", "offset"),
	}
}

// DonationIntent is the result of creating a donation: the pending record
// plus the gateway handle the client confirms payment with.
type DonationIntent struct {
	Donation *domain.Donation
	Payment  *domain.PaymentIntentRef
}

// CreateDonationIntent prices the offset, creates a gateway payment intent,
// and persists a pending donation. Rate-limited per user. On gateway failure
// nothing is persisted.
func (s *OffsetService) CreateDonationIntent(ctx context.Context, params domain.CreateDonationParams) (*DonationIntent, error) {
	if params.UserID == uuid.Nil {
		return nil, domain.Invalid("donation.create", "user_id is required")
	}

	if err := s.limiter.Check(ctx, RateLimitOpDonationCreate, params.UserID.String()); err != nil {
		if s.metrics != nil && domain.IsCode(err, domain.ERATELIMIT) {
			s.metrics.RateLimited.WithLabelValues(RateLimitOpDonationCreate).Inc()
		}
		return nil, err
	}

	cost, err := domain.OffsetCostCents(params.CarbonKg, params.ProjectType)
	if err != nil {
		return nil, err
	}

	provider, err := s.gateways.Get(params.Gateway)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &domain.Donation{
		ID:             uuid.New(),
		UserID:         params.UserID,
		OrganizationID: params.OrganizationID,
		CarbonKg:       params.CarbonKg,
		CostCents:      cost,
		Gateway:        params.Gateway,
		ProjectType:    params.ProjectType,
		Status:         domain.DonationStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ref, err := provider.CreatePaymentIntent(ctx, gateway.PaymentIntentParams{
		AmountCents: cost,
		Currency:    "usd",
		Purpose:     domain.PurposeDonation,
		EntityID:    d.ID.String(),
		UserID:      params.UserID.String(),
		Description: fmt.Sprintf("Carbon offset: %s kg (%s)", params.CarbonKg.String(), params.ProjectType),
	})
	if err != nil {
		return nil, err
	}
	d.ExternalPurchaseID = ref.ExternalID

	if err := s.store.CreateDonation(ctx, d); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.DonationsCreated.WithLabelValues(string(d.Gateway), string(d.ProjectType)).Inc()
	}
	s.logger.Info("donation intent created",
		"donation_id", d.ID,
		"carbon_kg", d.CarbonKg,
		"cost_cents", d.CostCents,
		"gateway", d.Gateway)

	return &DonationIntent{Donation: d, Payment: ref}, nil
}

// EstimateCost prices an offset without creating anything.
func (s *OffsetService) EstimateCost(ctx context.Context, carbonKg decimal.Decimal, project domain.ProjectType) (int64, error) {
	return domain.OffsetCostCents(carbonKg, project)
}

// resolveDonation locates the donation a gateway event refers to. PayPal
// capture events carry the capture object's ID, not the order ID the donation
// was stored under, so lookup falls back to the donation ID carried in the
// event's custom metadata.
func (s *OffsetService) resolveDonation(ctx context.Context, gw domain.Gateway, externalRef, donationRef string) (*domain.Donation, error) {
	d, err := s.store.GetByExternalPurchaseID(ctx, gw, externalRef)
	if err == nil || !domain.IsCode(err, domain.ENOTFOUND) {
		return d, err
	}
	id, perr := uuid.Parse(donationRef)
	if perr != nil {
		return nil, err
	}
	return s.store.GetDonation(ctx, id)
}

// CompleteDonation applies a payment confirmation, incrementing the user's
// ledger in the same transaction as the status flip. Idempotent: a repeat
// for an already completed donation returns the existing record unchanged.
func (s *OffsetService) CompleteDonation(ctx context.Context, gw domain.Gateway, externalRef, donationRef string) (*domain.Donation, error) {
	d, err := s.resolveDonation(ctx, gw, externalRef, donationRef)
	if err != nil {
		return nil, err
	}

	if d.Status == domain.DonationStatusCompleted {
		return d, nil
	}
	if d.Status != domain.DonationStatusPending {
		return nil, domain.ErrDonationNotPending
	}

	n, err := s.store.CompleteDonation(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another delivery; re-read the winner's result.
		fresh, err := s.store.GetDonation(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == domain.DonationStatusCompleted {
			return fresh, nil
		}
		return nil, domain.ErrDonationNotPending
	}

	d.Status = domain.DonationStatusCompleted
	if s.metrics != nil {
		s.metrics.DonationsCompleted.WithLabelValues(string(gw)).Inc()
		kg, _ := d.CarbonKg.Float64()
		s.metrics.OffsetKilograms.WithLabelValues(string(d.ProjectType)).Add(kg)
	}
	s.logger.Info("donation completed",
		"donation_id", d.ID,
		"carbon_kg", d.CarbonKg,
		"gateway", gw)
	return d, nil
}

// FailDonation marks a pending donation failed after a payment failure.
// Already settled donations are left alone.
func (s *OffsetService) FailDonation(ctx context.Context, gw domain.Gateway, externalRef, donationRef string) error {
	d, err := s.resolveDonation(ctx, gw, externalRef, donationRef)
	if err != nil {
		return err
	}
	if _, err := s.store.FailDonation(ctx, d.ID); err != nil {
		return err
	}
	return nil
}

// Refund reverses a completed donation: refunds the gateway payment, flips
// the status, and decrements the ledger in one transaction with the flip.
func (s *OffsetService) Refund(ctx context.Context, id, requesterID uuid.UUID) (*domain.Donation, error) {
	d, err := s.store.GetDonation(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != requesterID {
		return nil, domain.Forbidden("donation.refund", "donation belongs to another user")
	}
	if d.Status != domain.DonationStatusCompleted {
		return nil, domain.ErrDonationNotCompleted
	}

	provider, err := s.gateways.Get(d.Gateway)
	if err != nil {
		return nil, err
	}
	if err := provider.RefundPayment(ctx, d.ExternalPurchaseID, d.CostCents); err != nil {
		return nil, err
	}

	return s.applyRefund(ctx, d)
}

// RefundByExternalID applies a gateway-initiated refund event.
func (s *OffsetService) RefundByExternalID(ctx context.Context, gw domain.Gateway, externalRef, donationRef string) (*domain.Donation, error) {
	d, err := s.resolveDonation(ctx, gw, externalRef, donationRef)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DonationStatusRefunded {
		return d, nil
	}
	if d.Status != domain.DonationStatusCompleted {
		return nil, domain.ErrDonationNotCompleted
	}
	return s.applyRefund(ctx, d)
}

func (s *OffsetService) applyRefund(ctx context.Context, d *domain.Donation) (*domain.Donation, error) {
	n, err := s.store.RefundDonation(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		fresh, err := s.store.GetDonation(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == domain.DonationStatusRefunded {
			return fresh, nil
		}
		return nil, domain.ErrDonationNotCompleted
	}

	d.Status = domain.DonationStatusRefunded
	if s.metrics != nil {
		s.metrics.DonationsRefunded.WithLabelValues(string(d.Gateway)).Inc()
	}
	s.logger.Info("donation refunded", "donation_id", d.ID, "carbon_kg", d.CarbonKg)
	return d, nil
}

// GetDonation returns a donation, enforcing ownership.
func (s *OffsetService) GetDonation(ctx context.Context, id, requesterID uuid.UUID) (*domain.Donation, error) {
	d, err := s.store.GetDonation(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != requesterID {
		return nil, domain.Forbidden("donation.get", "donation belongs to another user")
	}
	return d, nil
}

// GetLedger returns the user's cumulative completed offset total.
func (s *OffsetService) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.OffsetLedgerEntry, error) {
	return s.store.GetLedger(ctx, userID)
}

// FailStaleDonations marks donations pending longer than maxAge failed. Run
// by the background worker.
func (s *OffsetService) FailStaleDonations(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := s.store.FailStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("failed stale pending donations", "count", n)
	}
	return n, nil
}
