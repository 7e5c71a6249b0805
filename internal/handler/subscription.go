package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/middleware"
	"github.com/mkarlsen/greenledger/internal/service"
)

// SubscriptionHandler exposes subscription checkout and lifecycle over JSON.
type SubscriptionHandler struct {
	subscriptions *service.SubscriptionService
}

// NewSubscriptionHandler creates a subscription handler.
func NewSubscriptionHandler(subscriptions *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions}
}

type createSubscriptionRequest struct {
	Provider  string `json:"provider"`
	Tier      string `json:"tier"`
	TrialDays int32  `json:"trialDays,omitempty"`
}

type patchSubscriptionRequest struct {
	Action      string `json:"action"`
	Tier        string `json:"tier,omitempty"`
	Immediately bool   `json:"immediately,omitempty"`
}

type subscriptionResponse struct {
	ID                     uuid.UUID                 `json:"id"`
	UserID                 uuid.UUID                 `json:"userId"`
	Provider               domain.Gateway            `json:"provider"`
	Tier                   domain.SubscriptionTier   `json:"tier"`
	Status                 domain.SubscriptionStatus `json:"status"`
	ExternalSubscriptionID string                    `json:"externalSubscriptionId"`
	CurrentPeriodEnd       *time.Time                `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd      bool                      `json:"cancelAtPeriodEnd"`
	CreatedAt              time.Time                 `json:"createdAt"`
	UpdatedAt              time.Time                 `json:"updatedAt"`
}

func toSubscriptionResponse(sub *domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                     sub.ID,
		UserID:                 sub.UserID,
		Provider:               sub.Provider,
		Tier:                   sub.Tier,
		Status:                 sub.Status,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

// Create handles POST /subscriptions: starts a gateway checkout. No local row
// is created until the first webhook confirmation.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	provider, err := domain.ParseGateway(req.Provider)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	ref, err := h.subscriptions.StartCheckout(r.Context(), domain.StartCheckoutParams{
		UserID:    middleware.GetUserID(r.Context()),
		Provider:  provider,
		Tier:      tier,
		TrialDays: req.TrialDays,
	})
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusCreated, map[string]any{"checkout": ref})
}

// Get handles GET /subscriptions/{id}.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	sub, err := h.subscriptions.Get(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusOK, toSubscriptionResponse(sub))
}

// Patch handles PATCH /subscriptions/{id} with actions cancel and change_tier.
func (h *SubscriptionHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	var req patchSubscriptionRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	userID := middleware.GetUserID(r.Context())

	switch req.Action {
	case "cancel":
		sub, err := h.subscriptions.Cancel(r.Context(), id, userID, req.Immediately)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, toSubscriptionResponse(sub))

	case "change_tier":
		tier, err := domain.ParseTier(req.Tier)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		sub, err := h.subscriptions.ChangeTier(r.Context(), id, userID, tier)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, toSubscriptionResponse(sub))

	default:
		ErrorResponse(w, r, domain.Invalid("subscription.patch", "unknown action: "+req.Action))
	}
}
