package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/middleware"
	"github.com/mkarlsen/greenledger/internal/service"
)

// OffsetHandler exposes carbon-offset donations and the ledger over JSON.
type OffsetHandler struct {
	offsets *service.OffsetService
}

// NewOffsetHandler creates an offset handler.
func NewOffsetHandler(offsets *service.OffsetService) *OffsetHandler {
	return &OffsetHandler{offsets: offsets}
}

type createDonationRequest struct {
	CarbonInKg     decimal.Decimal `json:"carbonInKg"`
	PaymentGateway string          `json:"paymentGateway"`
	ProjectType    string          `json:"projectType,omitempty"`
	OrganizationID *uuid.UUID      `json:"organizationId,omitempty"`
}

type patchDonationRequest struct {
	Action string `json:"action"`
}

type donationResponse struct {
	ID                 uuid.UUID             `json:"id"`
	UserID             uuid.UUID             `json:"userId"`
	OrganizationID     *uuid.UUID            `json:"organizationId,omitempty"`
	CarbonInKg         decimal.Decimal       `json:"carbonInKg"`
	CostCents          int64                 `json:"costCents"`
	Gateway            domain.Gateway        `json:"paymentGateway"`
	ExternalPurchaseID string                `json:"externalPurchaseId"`
	ProjectType        domain.ProjectType    `json:"projectType"`
	Status             domain.DonationStatus `json:"status"`
	CreatedAt          time.Time             `json:"createdAt"`
}

func toDonationResponse(d *domain.Donation) donationResponse {
	return donationResponse{
		ID:                 d.ID,
		UserID:             d.UserID,
		OrganizationID:     d.OrganizationID,
		CarbonInKg:         d.CarbonKg,
		CostCents:          d.CostCents,
		Gateway:            d.Gateway,
		ExternalPurchaseID: d.ExternalPurchaseID,
		ProjectType:        d.ProjectType,
		Status:             d.Status,
		CreatedAt:          d.CreatedAt,
	}
}

// Create handles POST /carbon/offset: creates a donation intent. Rate limited
// per user; rejected requests get a 429 with a retryAfter hint.
func (h *OffsetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDonationRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	gw, err := domain.ParseGateway(req.PaymentGateway)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	project, err := domain.ParseProjectType(req.ProjectType)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	intent, err := h.offsets.CreateDonationIntent(r.Context(), domain.CreateDonationParams{
		UserID:         middleware.GetUserID(r.Context()),
		OrganizationID: req.OrganizationID,
		CarbonKg:       req.CarbonInKg,
		Gateway:        gw,
		ProjectType:    project,
	})
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusCreated, map[string]any{
		"donation": toDonationResponse(intent.Donation),
		"payment":  intent.Payment,
	})
}

// Estimate handles GET /carbon/offset/estimate?kg=&projectType=.
func (h *OffsetHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	kg, err := decimal.NewFromString(r.URL.Query().Get("kg"))
	if err != nil {
		ValidationErrorResponse(w, r, domain.NewValidationError("donation.estimate", "kg", "must be a decimal number"))
		return
	}
	project, err := domain.ParseProjectType(r.URL.Query().Get("projectType"))
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	cents, err := h.offsets.EstimateCost(r.Context(), kg, project)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusOK, map[string]any{
		"carbonInKg":  kg,
		"projectType": project,
		"costCents":   cents,
	})
}

// Get handles GET /carbon/offset/{id}.
func (h *OffsetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	d, err := h.offsets.GetDonation(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusOK, toDonationResponse(d))
}

// Patch handles PATCH /carbon/offset/{id}. Refund is the only manual
// transition on a donation.
func (h *OffsetHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	var req patchDonationRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	switch req.Action {
	case "refund":
		d, err := h.offsets.Refund(r.Context(), id, middleware.GetUserID(r.Context()))
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, toDonationResponse(d))

	default:
		ErrorResponse(w, r, domain.Invalid("donation.patch", "unknown action: "+req.Action))
	}
}

// Ledger handles GET /carbon/ledger: the caller's cumulative completed total.
func (h *OffsetHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	entry, err := h.offsets.GetLedger(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusOK, map[string]any{
		"userId":        entry.UserID,
		"totalCarbonKg": entry.TotalCarbonKg,
		"updatedAt":     entry.UpdatedAt,
	})
}
