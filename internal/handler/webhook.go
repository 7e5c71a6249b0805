package handler

import (
	"io"
	"net/http"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/middleware"
	"github.com/mkarlsen/greenledger/internal/service"
)

// maxWebhookBody bounds webhook payload reads. Gateways send events well
// under this.
const maxWebhookBody = 1 << 20

// WebhookHandler receives gateway webhook deliveries and feeds them to the
// reconciliation engine.
type WebhookHandler struct {
	reconcile *service.ReconcileService
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(reconcile *service.ReconcileService) *WebhookHandler {
	return &WebhookHandler{reconcile: reconcile}
}

// Handle processes POST /webhooks/{gateway}. Response codes follow the
// gateway retry contract: 200 once the event is durably recorded, 400 for
// signature or payload failures that redelivery cannot fix, 500 for
// transient failures so the gateway redelivers.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	gw, err := domain.ParseGateway(r.PathValue("gateway"))
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("webhook.read", "Error reading request body"))
		return
	}

	if err := h.reconcile.Process(r.Context(), gw, payload, r.Header); err != nil {
		switch domain.ErrorCode(err) {
		case domain.EUNAUTHORIZED, domain.EINVALID:
			// Signature and payload failures are the sender's problem;
			// never ask the gateway to retry them.
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
				Code:    domain.ErrorCode(err),
				Message: domain.ErrorMessage(err),
			}})
		default:
			middleware.GetLogger(r.Context()).Error("webhook processing failed",
				"gateway", gw, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
				Code:    domain.EINTERNAL,
				Message: "Event processing failed, retry expected",
			}})
		}
		return
	}

	JSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}
