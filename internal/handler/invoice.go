package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/middleware"
	"github.com/mkarlsen/greenledger/internal/service"
)

// InvoiceHandler exposes the invoice lifecycle over JSON.
type InvoiceHandler struct {
	invoices *service.InvoiceService
}

// NewInvoiceHandler creates an invoice handler.
func NewInvoiceHandler(invoices *service.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices}
}

type invoiceItemRequest struct {
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Taxable        bool   `json:"taxable"`
}

type createInvoiceRequest struct {
	Items   []invoiceItemRequest `json:"items"`
	Address *domain.Address      `json:"address,omitempty"`
	DueDate *time.Time           `json:"dueDate,omitempty"`
}

type patchInvoiceRequest struct {
	Action  string               `json:"action"`
	Items   []invoiceItemRequest `json:"items,omitempty"`
	DueDate *time.Time           `json:"dueDate,omitempty"`
	Gateway string               `json:"gateway,omitempty"`
}

type invoiceItemResponse struct {
	ID             uuid.UUID `json:"id"`
	Description    string    `json:"description"`
	Quantity       int64     `json:"quantity"`
	UnitPriceCents int64     `json:"unitPriceCents"`
	AmountCents    int64     `json:"amountCents"`
	Taxable        bool      `json:"taxable"`
}

type invoiceResponse struct {
	ID             uuid.UUID             `json:"id"`
	InvoiceNumber  string                `json:"invoiceNumber"`
	CustomerID     uuid.UUID             `json:"customerId"`
	Items          []invoiceItemResponse `json:"items"`
	SubtotalCents  int64                 `json:"subtotalCents"`
	TaxAmountCents int64                 `json:"taxAmountCents"`
	TotalCents     int64                 `json:"totalCents"`
	TaxRate        float64               `json:"taxRate"`
	Status         domain.InvoiceStatus  `json:"status"`
	Gateway        domain.Gateway        `json:"gateway,omitempty"`
	ExternalRef    string                `json:"externalRef,omitempty"`
	DueDate        *time.Time            `json:"dueDate,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

func toInvoiceResponse(inv *domain.Invoice) invoiceResponse {
	items := make([]invoiceItemResponse, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, invoiceItemResponse{
			ID:             it.ID,
			Description:    it.Description,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			AmountCents:    it.AmountCents,
			Taxable:        it.Taxable,
		})
	}
	return invoiceResponse{
		ID:             inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		CustomerID:     inv.CustomerID,
		Items:          items,
		SubtotalCents:  inv.SubtotalCents,
		TaxAmountCents: inv.TaxAmountCents,
		TotalCents:     inv.TotalCents,
		TaxRate:        inv.TaxRate,
		Status:         inv.Status,
		Gateway:        inv.Gateway,
		ExternalRef:    inv.ExternalRef,
		DueDate:        inv.DueDate,
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
}

// toItemParams converts request items, preserving nil so a patch without an
// items field leaves the existing line items alone.
func toItemParams(items []invoiceItemRequest) []domain.CreateInvoiceItemParams {
	if items == nil {
		return nil
	}
	params := make([]domain.CreateInvoiceItemParams, 0, len(items))
	for _, it := range items {
		params = append(params, domain.CreateInvoiceItemParams{
			Description:    it.Description,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			Taxable:        it.Taxable,
		})
	}
	return params
}

// Create handles POST /invoices.
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	inv, err := h.invoices.Create(r.Context(), domain.CreateInvoiceParams{
		CustomerID: middleware.GetUserID(r.Context()),
		Items:      toItemParams(req.Items),
		Address:    req.Address,
		DueDate:    req.DueDate,
	})
	if err != nil {
		ValidationErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusCreated, toInvoiceResponse(inv))
}

// Get handles GET /invoices/{id}.
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	inv, err := h.invoices.Get(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	JSONResponse(w, http.StatusOK, toInvoiceResponse(inv))
}

// List handles GET /invoices.
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt32(r, "limit", 0)
	offset := queryInt32(r, "offset", 0)

	invoices, err := h.invoices.List(r.Context(), middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	out := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		out = append(out, toInvoiceResponse(&invoices[i]))
	}
	JSONResponse(w, http.StatusOK, map[string]any{"invoices": out})
}

// Patch handles PATCH /invoices/{id}. The action field selects the operation.
func (h *InvoiceHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	var req patchInvoiceRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	userID := middleware.GetUserID(r.Context())

	switch req.Action {
	case "update":
		inv, err := h.invoices.Update(r.Context(), id, userID, domain.UpdateInvoiceParams{
			Items:   toItemParams(req.Items),
			DueDate: req.DueDate,
		})
		if err != nil {
			ValidationErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, toInvoiceResponse(inv))

	case "finalize":
		inv, err := h.invoices.Finalize(r.Context(), id, userID)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, toInvoiceResponse(inv))

	case "cancel":
		inv, err := h.invoices.Cancel(r.Context(), id, userID)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, toInvoiceResponse(inv))

	case "pay_with_gateway":
		gw, err := domain.ParseGateway(req.Gateway)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		ref, err := h.invoices.PayWithGateway(r.Context(), id, userID, gw)
		if err != nil {
			ErrorResponse(w, r, err)
			return
		}
		JSONResponse(w, http.StatusOK, map[string]any{"payment": ref})

	default:
		ErrorResponse(w, r, domain.Invalid("invoice.patch", "unknown action: "+req.Action))
	}
}

// pathID parses the {id} path segment as a UUID.
func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, domain.Invalid("", "Invalid resource ID")
	}
	return id, nil
}

func queryInt32(r *http.Request, name string, fallback int32) int32 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 0 {
		return fallback
	}
	return int32(v)
}
