package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// SubscriptionTier is the plan level.
type SubscriptionTier string

const (
	TierBasic        SubscriptionTier = "basic"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

// ParseTier validates a tier name from user input.
func ParseTier(s string) (SubscriptionTier, error) {
	switch SubscriptionTier(s) {
	case TierBasic, TierProfessional, TierEnterprise:
		return SubscriptionTier(s), nil
	}
	return "", Errorf(EINVALID, "subscription.tier", "unknown subscription tier: %q", s)
}

// Subscription-related domain errors.
var (
	ErrSubscriptionExists     = &Error{Code: ECONFLICT, Message: "User already has an active subscription"}
	ErrSubscriptionCanceled   = &Error{Code: EINVALID, Message: "Subscription is canceled"}
	ErrSubscriptionTierLocked = &Error{Code: EINVALID, Message: "Tier can only change while the subscription is active or trialing"}
)

// Subscription is a user's recurring plan. At most one non-canceled
// subscription exists per user; the store enforces this with a partial unique
// index.
type Subscription struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	Provider               Gateway
	Tier                   SubscriptionTier
	Status                 SubscriptionStatus
	ExternalSubscriptionID string
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Terminal reports whether no further transitions are permitted.
func (s *Subscription) Terminal() bool {
	return s.Status == SubscriptionStatusCanceled
}

// StartCheckoutParams begins a subscription checkout with a gateway. No local
// row is created until the first webhook confirmation.
type StartCheckoutParams struct {
	UserID    uuid.UUID
	Provider  Gateway
	Tier      SubscriptionTier
	TrialDays int32
}

// CheckoutRef is the gateway checkout handle returned to the caller.
type CheckoutRef struct {
	URL        string `json:"url"`
	ExternalID string `json:"external_id"`
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// GetSubscription returns the subscription, or ENOTFOUND.
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetActiveForUser returns the user's non-canceled subscription, or
	// ENOTFOUND when none exists.
	GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetByExternalID looks a subscription up by its gateway-side ID.
	GetByExternalID(ctx context.Context, provider Gateway, externalID string) (*Subscription, error)

	// UpsertByExternalID inserts or updates a subscription keyed by
	// (provider, external id). The insert path trips ECONFLICT when the
	// user already has a different non-canceled subscription.
	UpsertByExternalID(ctx context.Context, sub *Subscription) error

	// UpdateTier changes the plan using a compare-and-set on the statuses
	// that permit it. Returns rows changed.
	UpdateTier(ctx context.Context, id uuid.UUID, tier SubscriptionTier) (int64, error)

	// Cancel transitions to canceled immediately. Returns rows changed.
	Cancel(ctx context.Context, id uuid.UUID) (int64, error)

	// SetCancelAtPeriodEnd flags the subscription for cancellation at the
	// end of the current period. Returns rows changed.
	SetCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, flag bool) (int64, error)
}
