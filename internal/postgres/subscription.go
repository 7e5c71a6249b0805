package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// SubscriptionStore implements domain.SubscriptionStore using PostgreSQL.
// The one-active-subscription-per-user rule is enforced by a partial unique
// index on user_id where status <> 'canceled'.
type SubscriptionStore struct {
	db *pgxpool.Pool
}

// Compile-time check that SubscriptionStore implements domain.SubscriptionStore.
var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a new PostgreSQL-backed subscription store.
func NewSubscriptionStore(db *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `
	id, user_id, provider, tier, status, external_subscription_id,
	current_period_end, cancel_at_period_end, created_at, updated_at`

// GetSubscription returns the subscription by ID.
func (s *SubscriptionStore) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("subscription.get", "subscription", id.String())
		}
		return nil, domain.Internal(err, "subscription.get", "failed to get subscription")
	}
	return sub, nil
}

// GetActiveForUser returns the user's non-canceled subscription. The partial
// unique index guarantees at most one row matches.
func (s *SubscriptionStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND status <> 'canceled'`,
		userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("subscription.active", "subscription", userID.String())
		}
		return nil, domain.Internal(err, "subscription.active", "failed to get active subscription")
	}
	return sub, nil
}

// GetByExternalID looks a subscription up by its gateway-side ID.
func (s *SubscriptionStore) GetByExternalID(ctx context.Context, provider domain.Gateway, externalID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider = $1 AND external_subscription_id = $2`,
		string(provider), externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("subscription.get_external", "subscription", externalID)
		}
		return nil, domain.Internal(err, "subscription.get_external", "failed to get subscription")
	}
	return sub, nil
}

// UpsertByExternalID inserts or updates a subscription keyed by
// (provider, external id). A unique-violation on the partial user index means
// the user already holds a different active subscription.
func (s *SubscriptionStore) UpsertByExternalID(ctx context.Context, sub *domain.Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, provider, tier, status, external_subscription_id,
			current_period_end, cancel_at_period_end, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider, external_subscription_id) DO UPDATE
		SET tier = EXCLUDED.tier,
		    status = EXCLUDED.status,
		    current_period_end = EXCLUDED.current_period_end,
		    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		    updated_at = now()`,
		sub.ID, sub.UserID, string(sub.Provider), string(sub.Tier), string(sub.Status),
		sub.ExternalSubscriptionID, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrSubscriptionExists
		}
		return domain.Internal(err, "subscription.upsert", "failed to upsert subscription")
	}
	return nil
}

// UpdateTier changes the plan while the subscription is active or trialing.
func (s *SubscriptionStore) UpdateTier(ctx context.Context, id uuid.UUID, tier domain.SubscriptionTier) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $2, updated_at = now()
		WHERE id = $1 AND status IN ('active', 'trialing')`,
		id, string(tier))
	if err != nil {
		return 0, domain.Internal(err, "subscription.change_tier", "failed to update tier")
	}
	return tag.RowsAffected(), nil
}

// Cancel transitions any non-canceled subscription to canceled.
func (s *SubscriptionStore) Cancel(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', cancel_at_period_end = false, updated_at = now()
		WHERE id = $1 AND status <> 'canceled'`, id)
	if err != nil {
		return 0, domain.Internal(err, "subscription.cancel", "failed to cancel subscription")
	}
	return tag.RowsAffected(), nil
}

// SetCancelAtPeriodEnd flags the subscription for cancellation at period end.
func (s *SubscriptionStore) SetCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, flag bool) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET cancel_at_period_end = $2, updated_at = now()
		WHERE id = $1 AND status IN ('active', 'trialing')`,
		id, flag)
	if err != nil {
		return 0, domain.Internal(err, "subscription.cancel_at_period_end", "failed to flag subscription")
	}
	return tag.RowsAffected(), nil
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var sub domain.Subscription
	var provider, tier, status string
	err := row.Scan(
		&sub.ID, &sub.UserID, &provider, &tier, &status,
		&sub.ExternalSubscriptionID, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Provider = domain.Gateway(provider)
	sub.Tier = domain.SubscriptionTier(tier)
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}
