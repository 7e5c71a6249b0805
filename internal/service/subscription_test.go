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
)

func newSubscriptionService(store domain.SubscriptionStore, gw *gateway.MockProvider) *SubscriptionService {
	if gw == nil {
		gw = gateway.NewMockProvider(domain.GatewayStripe)
	}
	return NewSubscriptionService(store, gateway.NewRegistry(gw), nil, testLogger(),
		"https://app.example.com/billing/success", "https://app.example.com/billing/cancel")
}

func activeSubscription(userID uuid.UUID) *domain.Subscription {
	now := time.Now().UTC()
	end := now.Add(30 * 24 * time.Hour)
	return &domain.Subscription{
		ID:                     uuid.New(),
		UserID:                 userID,
		Provider:               domain.GatewayStripe,
		Tier:                   domain.TierBasic,
		Status:                 domain.SubscriptionStatusActive,
		ExternalSubscriptionID: "sub_" + uuid.New().String()[:8],
		CurrentPeriodEnd:       &end,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestStartCheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the gateway checkout handle", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		mock := gateway.NewMockProvider(domain.GatewayStripe)
		svc := newSubscriptionService(store, mock)

		ref, err := svc.StartCheckout(ctx, domain.StartCheckoutParams{
			UserID:   uuid.New(),
			Provider: domain.GatewayStripe,
			Tier:     domain.TierProfessional,
		})

		assert.NoError(t, err)
		assert.NotEmpty(t, ref.URL)
		assert.NotEmpty(t, ref.ExternalID)
		assert.Len(t, mock.CallLog, 1)

		// Checkout never creates a local row; the first webhook does.
		assert.Empty(t, store.subscriptions)
	})

	t.Run("rejected when a non-canceled subscription exists", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)
		userID := uuid.New()

		sub := activeSubscription(userID)
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		_, err := svc.StartCheckout(ctx, domain.StartCheckoutParams{
			UserID:   userID,
			Provider: domain.GatewayStripe,
			Tier:     domain.TierBasic,
		})
		assert.ErrorIs(t, err, domain.ErrSubscriptionExists)
	})

	t.Run("allowed again after cancellation", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)
		userID := uuid.New()

		sub := activeSubscription(userID)
		sub.Status = domain.SubscriptionStatusCanceled
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		_, err := svc.StartCheckout(ctx, domain.StartCheckoutParams{
			UserID:   userID,
			Provider: domain.GatewayStripe,
			Tier:     domain.TierBasic,
		})
		assert.NoError(t, err)
	})

	t.Run("rejects negative trial days", func(t *testing.T) {
		svc := newSubscriptionService(newFakeSubscriptionStore(), nil)

		_, err := svc.StartCheckout(ctx, domain.StartCheckoutParams{
			UserID:    uuid.New(),
			Provider:  domain.GatewayStripe,
			Tier:      domain.TierBasic,
			TrialDays: -1,
		})
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})
}

func TestApplyGatewayEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("created event inserts the subscription", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)
		userID := uuid.New()

		err := svc.ApplyGatewayEvent(ctx, &domain.Event{
			Gateway: domain.GatewayStripe,
			Type:    domain.EventSubscriptionCreated,
			UserID:  userID.String(),
			Subscription: &domain.SubscriptionEventData{
				ExternalSubscriptionID: "sub_new1",
				Tier:                   domain.TierProfessional,
				Status:                 domain.SubscriptionStatusTrialing,
				CurrentPeriodEnd:       time.Now().UTC().Add(14 * 24 * time.Hour),
			},
		})

		assert.NoError(t, err)
		sub, err := store.GetByExternalID(ctx, domain.GatewayStripe, "sub_new1")
		assert.NoError(t, err)
		assert.Equal(t, userID, sub.UserID)
		assert.Equal(t, domain.TierProfessional, sub.Tier)
		assert.Equal(t, domain.SubscriptionStatusTrialing, sub.Status)
	})

	t.Run("updated event preserves identity", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)
		userID := uuid.New()

		sub := activeSubscription(userID)
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		err := svc.ApplyGatewayEvent(ctx, &domain.Event{
			Gateway: domain.GatewayStripe,
			Type:    domain.EventSubscriptionUpdated,
			Subscription: &domain.SubscriptionEventData{
				ExternalSubscriptionID: sub.ExternalSubscriptionID,
				Status:                 domain.SubscriptionStatusPastDue,
			},
		})

		assert.NoError(t, err)
		got, _ := store.GetByExternalID(ctx, domain.GatewayStripe, sub.ExternalSubscriptionID)
		assert.Equal(t, sub.ID, got.ID)
		assert.Equal(t, userID, got.UserID)
		assert.Equal(t, domain.SubscriptionStatusPastDue, got.Status)
		// Tier absent from the event keeps the stored tier.
		assert.Equal(t, domain.TierBasic, got.Tier)
	})

	t.Run("deleted event cancels", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)

		sub := activeSubscription(uuid.New())
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		err := svc.ApplyGatewayEvent(ctx, &domain.Event{
			Gateway: domain.GatewayStripe,
			Type:    domain.EventSubscriptionDeleted,
			Subscription: &domain.SubscriptionEventData{
				ExternalSubscriptionID: sub.ExternalSubscriptionID,
			},
		})

		assert.NoError(t, err)
		got, _ := store.GetSubscription(ctx, sub.ID)
		assert.Equal(t, domain.SubscriptionStatusCanceled, got.Status)
	})

	t.Run("deleted event for an unknown subscription is a no-op", func(t *testing.T) {
		svc := newSubscriptionService(newFakeSubscriptionStore(), nil)

		err := svc.ApplyGatewayEvent(ctx, &domain.Event{
			Gateway: domain.GatewayStripe,
			Type:    domain.EventSubscriptionDeleted,
			Subscription: &domain.SubscriptionEventData{
				ExternalSubscriptionID: "sub_never_seen",
			},
		})
		assert.NoError(t, err)
	})

	t.Run("created event without a user reference is invalid", func(t *testing.T) {
		svc := newSubscriptionService(newFakeSubscriptionStore(), nil)

		err := svc.ApplyGatewayEvent(ctx, &domain.Event{
			Gateway: domain.GatewayStripe,
			Type:    domain.EventSubscriptionCreated,
			Subscription: &domain.SubscriptionEventData{
				ExternalSubscriptionID: "sub_orphan",
				Tier:                   domain.TierBasic,
				Status:                 domain.SubscriptionStatusActive,
			},
		})
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})

	t.Run("event without subscription data is invalid", func(t *testing.T) {
		svc := newSubscriptionService(newFakeSubscriptionStore(), nil)

		err := svc.ApplyGatewayEvent(ctx, &domain.Event{
			Gateway: domain.GatewayStripe,
			Type:    domain.EventSubscriptionUpdated,
		})
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})
}

func TestChangeTier(t *testing.T) {
	ctx := context.Background()
	store := newFakeSubscriptionStore()
	svc := newSubscriptionService(store, nil)
	userID := uuid.New()

	sub := activeSubscription(userID)
	assert.NoError(t, store.UpsertByExternalID(ctx, sub))

	got, err := svc.ChangeTier(ctx, sub.ID, userID, domain.TierEnterprise)
	assert.NoError(t, err)
	assert.Equal(t, domain.TierEnterprise, got.Tier)

	t.Run("locked while past due", func(t *testing.T) {
		stored, _ := store.GetSubscription(ctx, sub.ID)
		stored.Status = domain.SubscriptionStatusPastDue
		assert.NoError(t, store.UpsertByExternalID(ctx, stored))

		_, err := svc.ChangeTier(ctx, sub.ID, userID, domain.TierBasic)
		assert.ErrorIs(t, err, domain.ErrSubscriptionTierLocked)
	})
}

func TestCancelSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("immediate cancel ends the subscription now", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		mock := gateway.NewMockProvider(domain.GatewayStripe)
		svc := newSubscriptionService(store, mock)
		userID := uuid.New()

		sub := activeSubscription(userID)
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		got, err := svc.Cancel(ctx, sub.ID, userID, true)
		assert.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusCanceled, got.Status)
		assert.Contains(t, mock.CallLog, "CancelSubscription("+sub.ExternalSubscriptionID+", false)")
	})

	t.Run("period-end cancel keeps the subscription active", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		mock := gateway.NewMockProvider(domain.GatewayStripe)
		svc := newSubscriptionService(store, mock)
		userID := uuid.New()

		sub := activeSubscription(userID)
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		got, err := svc.Cancel(ctx, sub.ID, userID, false)
		assert.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
		assert.True(t, got.CancelAtPeriodEnd)
		assert.Contains(t, mock.CallLog, "CancelSubscription("+sub.ExternalSubscriptionID+", true)")
	})

	t.Run("gateway failure leaves local state untouched", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		mock := gateway.NewMockProvider(domain.GatewayStripe)
		mock.CancelSubscriptionFunc = func(ctx context.Context, id string, atPeriodEnd bool) error {
			return errors.New("gateway unavailable")
		}
		svc := newSubscriptionService(store, mock)
		userID := uuid.New()

		sub := activeSubscription(userID)
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		_, err := svc.Cancel(ctx, sub.ID, userID, true)
		assert.Error(t, err)

		got, _ := store.GetSubscription(ctx, sub.ID)
		assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	})

	t.Run("canceled subscription cannot be canceled again", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)
		userID := uuid.New()

		sub := activeSubscription(userID)
		sub.Status = domain.SubscriptionStatusCanceled
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		_, err := svc.Cancel(ctx, sub.ID, userID, true)
		assert.ErrorIs(t, err, domain.ErrSubscriptionCanceled)
	})

	t.Run("only the owner can cancel", func(t *testing.T) {
		store := newFakeSubscriptionStore()
		svc := newSubscriptionService(store, nil)

		sub := activeSubscription(uuid.New())
		assert.NoError(t, store.UpsertByExternalID(ctx, sub))

		_, err := svc.Cancel(ctx, sub.ID, uuid.New(), true)
		assert.Equal(t, domain.EFORBIDDEN, domain.ErrorCode(err))
	})
}
