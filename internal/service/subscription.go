package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/telemetry"
)

// SubscriptionService owns the subscription state machine. The local row is
// created by the first webhook confirmation, never by checkout itself, so an
// abandoned checkout leaves no orphaned state.
type SubscriptionService struct {
	store    domain.SubscriptionStore
	gateways *gateway.Registry
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger

	// checkoutSuccessURL and checkoutCancelURL are where the gateway sends
	// the user after hosted checkout.
	checkoutSuccessURL string
	checkoutCancelURL  string
}

// NewSubscriptionService creates a subscription lifecycle manager.
func NewSubscriptionService(store domain.SubscriptionStore, gateways *gateway.Registry, metrics *telemetry.BusinessMetrics, logger *slog.Logger, successURL, cancelURL string) *SubscriptionService {
	return &SubscriptionService{
		store:              store,
		gateways:           gateways,
		metrics:            metrics,
		logger:             logger.With("service", "subscription"),
		checkoutSuccessURL: successURL,
		checkoutCancelURL:  cancelURL,
	}
}

// StartCheckout begins a gateway checkout for a new subscription. Rejected
// with ECONFLICT when the user already holds a non-canceled subscription.
func (s *SubscriptionService) StartCheckout(ctx context.Context, params domain.StartCheckoutParams) (*domain.CheckoutRef, error) {
	if params.UserID == uuid.Nil {
		return nil, domain.Invalid("subscription.checkout", "user_id is required")
	}
	if params.TrialDays < 0 {
		return nil, domain.Invalid("subscription.checkout", "trial_days must not be negative")
	}

	existing, err := s.store.GetActiveForUser(ctx, params.UserID)
	if err != nil && !domain.IsCode(err, domain.ENOTFOUND) {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrSubscriptionExists
	}

	provider, err := s.gateways.Get(params.Provider)
	if err != nil {
		return nil, err
	}

	ref, err := provider.CreateCheckout(ctx, gateway.CheckoutParams{
		UserID:     params.UserID.String(),
		Tier:       params.Tier,
		TrialDays:  params.TrialDays,
		SuccessURL: s.checkoutSuccessURL,
		CancelURL:  s.checkoutCancelURL,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription checkout started",
		"user_id", params.UserID,
		"provider", params.Provider,
		"tier", params.Tier,
		"external_id", ref.ExternalID)
	return ref, nil
}

// Get returns the subscription, enforcing ownership.
func (s *SubscriptionService) Get(ctx context.Context, id, requesterID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != requesterID {
		return nil, domain.Forbidden("subscription.get", "subscription belongs to another user")
	}
	return sub, nil
}

// ApplyGatewayEvent upserts subscription state from a normalized gateway
// event. This is the one entity created by reconciliation rather than by
// direct user action.
func (s *SubscriptionService) ApplyGatewayEvent(ctx context.Context, ev *domain.Event) error {
	if ev.Subscription == nil || ev.Subscription.ExternalSubscriptionID == "" {
		return domain.Invalid("subscription.apply_event", "event carries no subscription data")
	}
	data := ev.Subscription

	existing, err := s.store.GetByExternalID(ctx, ev.Gateway, data.ExternalSubscriptionID)
	if err != nil && !domain.IsCode(err, domain.ENOTFOUND) {
		return err
	}

	if ev.Type == domain.EventSubscriptionDeleted {
		if existing == nil {
			// Cancellation for a subscription we never saw; nothing to do.
			return nil
		}
		if _, err := s.store.Cancel(ctx, existing.ID); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.SubscriptionsCanceled.WithLabelValues(string(ev.Gateway)).Inc()
		}
		s.logger.Info("subscription canceled by gateway", "subscription_id", existing.ID)
		return nil
	}

	now := time.Now().UTC()
	sub := &domain.Subscription{
		Provider:               ev.Gateway,
		Tier:                   data.Tier,
		Status:                 data.Status,
		ExternalSubscriptionID: data.ExternalSubscriptionID,
		CancelAtPeriodEnd:      data.CancelAtPeriodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if !data.CurrentPeriodEnd.IsZero() {
		end := data.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &end
	}

	if existing != nil {
		sub.ID = existing.ID
		sub.UserID = existing.UserID
		sub.CreatedAt = existing.CreatedAt
		if sub.Tier == "" {
			sub.Tier = existing.Tier
		}
	} else {
		userID, err := uuid.Parse(ev.UserID)
		if err != nil {
			return domain.Invalid("subscription.apply_event", "event carries no valid user reference")
		}
		sub.ID = uuid.New()
		sub.UserID = userID
		if sub.Tier == "" {
			return domain.Invalid("subscription.apply_event", "event carries no tier for a new subscription")
		}
	}

	if err := s.store.UpsertByExternalID(ctx, sub); err != nil {
		return err
	}

	if existing == nil && s.metrics != nil {
		s.metrics.SubscriptionsCreated.WithLabelValues(string(ev.Gateway), string(sub.Tier)).Inc()
	}
	s.logger.Info("subscription state applied",
		"subscription_id", sub.ID,
		"external_id", sub.ExternalSubscriptionID,
		"status", sub.Status)
	return nil
}

// ChangeTier switches the plan while the subscription is active or trialing.
func (s *SubscriptionService) ChangeTier(ctx context.Context, id, requesterID uuid.UUID, tier domain.SubscriptionTier) (*domain.Subscription, error) {
	sub, err := s.Get(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	n, err := s.store.UpdateTier(ctx, id, tier)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrSubscriptionTierLocked
	}

	sub.Tier = tier
	s.logger.Info("subscription tier changed", "subscription_id", id, "tier", tier)
	return sub, nil
}

// Cancel ends the subscription. immediately=true cancels now at the gateway
// and locally; otherwise the gateway stops renewals and the local row keeps
// its status with cancel_at_period_end set until the closing webhook lands.
func (s *SubscriptionService) Cancel(ctx context.Context, id, requesterID uuid.UUID, immediately bool) (*domain.Subscription, error) {
	sub, err := s.Get(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if sub.Terminal() {
		return nil, domain.ErrSubscriptionCanceled
	}

	provider, err := s.gateways.Get(sub.Provider)
	if err != nil {
		return nil, err
	}
	if err := provider.CancelSubscription(ctx, sub.ExternalSubscriptionID, !immediately); err != nil {
		return nil, err
	}

	if immediately {
		if _, err := s.store.Cancel(ctx, id); err != nil {
			return nil, err
		}
		sub.Status = domain.SubscriptionStatusCanceled
		if s.metrics != nil {
			s.metrics.SubscriptionsCanceled.WithLabelValues(string(sub.Provider)).Inc()
		}
	} else {
		if _, err := s.store.SetCancelAtPeriodEnd(ctx, id, true); err != nil {
			return nil, err
		}
		sub.CancelAtPeriodEnd = true
	}

	s.logger.Info("subscription cancel requested", "subscription_id", id, "immediately", immediately)
	return sub, nil
}
