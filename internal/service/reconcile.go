package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/telemetry"
)

// ReconcileService is the webhook entry point. It verifies the delivery,
// deduplicates it through the idempotency ledger, and dispatches to the
// owning lifecycle manager. It never mutates entity fields itself.
type ReconcileService struct {
	gateways      *gateway.Registry
	ledger        domain.EventStore
	invoices      *InvoiceService
	subscriptions *SubscriptionService
	offsets       *OffsetService
	metrics       *telemetry.BusinessMetrics
	logger        *slog.Logger
}

// NewReconcileService creates the webhook reconciliation engine.
func NewReconcileService(gateways *gateway.Registry, ledger domain.EventStore, invoices *InvoiceService, subscriptions *SubscriptionService, offsets *OffsetService, metrics *telemetry.BusinessMetrics, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{
		gateways:      gateways,
		ledger:        ledger,
		invoices:      invoices,
		subscriptions: subscriptions,
		offsets:       offsets,
		metrics:       metrics,
		logger:        logger.With("service", "reconcile"),
	}
}

// Process handles one webhook delivery. Returned errors map to the gateway
// contract: EUNAUTHORIZED for signature failure (client error, never
// retried), EINTERNAL for transient failure (server error, gateway retries;
// the ledger entry stays unprocessed so the retry re-dispatches).
func (s *ReconcileService) Process(ctx context.Context, gw domain.Gateway, payload []byte, header http.Header) error {
	provider, err := s.gateways.Get(gw)
	if err != nil {
		return err
	}

	start := time.Now()

	ev, err := provider.VerifyWebhook(ctx, payload, header)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			// Security event: no state change, no retry.
			s.logger.Warn("webhook signature verification failed", "gateway", gw)
			if s.metrics != nil {
				s.metrics.WebhookFailed.WithLabelValues(string(gw), "unknown", "signature").Inc()
			}
			return domain.Unauthorized("webhook.verify", "invalid webhook signature")
		}
		if errors.Is(err, gateway.ErrMalformedEvent) {
			s.logger.Warn("webhook payload malformed", "gateway", gw, "error", err)
			return domain.Invalid("webhook.verify", "malformed event payload")
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.WebhookReceived.WithLabelValues(string(gw), string(ev.Type)).Inc()
	}

	if ev.Type == domain.EventIgnored {
		// Unknown or irrelevant event types are acknowledged and dropped.
		return nil
	}

	entry, inserted, err := s.ledger.InsertEvent(ctx, domain.GatewayEvent{
		Gateway:         gw,
		ExternalEventID: ev.ExternalEventID,
		Type:            ev.Type,
		ReceivedAt:      ev.ReceivedAt,
	})
	if err != nil {
		return err
	}
	if !inserted && entry.Processed {
		// Duplicate delivery of an already applied event.
		s.logger.Debug("duplicate webhook delivery",
			"gateway", gw,
			"external_event_id", ev.ExternalEventID)
		return nil
	}

	if err := s.dispatch(ctx, ev); err != nil {
		// Permanent errors cannot be fixed by the gateway redelivering
		// the same payload; acknowledge and record them so the gateway
		// stops retrying. Transient errors keep the entry unprocessed
		// and surface as server errors so the gateway retries.
		if isPermanentDispatchError(err) {
			s.logger.Warn("webhook event dropped",
				"gateway", gw,
				"event_type", ev.Type,
				"external_event_id", ev.ExternalEventID,
				"error", err)
			if s.metrics != nil {
				s.metrics.WebhookFailed.WithLabelValues(string(gw), string(ev.Type), domain.ErrorCode(err)).Inc()
			}
			return s.ledger.MarkProcessed(ctx, gw, ev.ExternalEventID)
		}

		if s.metrics != nil {
			s.metrics.WebhookFailed.WithLabelValues(string(gw), string(ev.Type), "transient").Inc()
		}
		return err
	}

	if err := s.ledger.MarkProcessed(ctx, gw, ev.ExternalEventID); err != nil {
		// The business effect is applied; a redelivery will re-dispatch,
		// which the managers' own idempotency absorbs.
		return err
	}

	if s.metrics != nil {
		s.metrics.WebhookProcessed.WithLabelValues(string(gw), string(ev.Type)).Inc()
		s.metrics.WebhookLatency.WithLabelValues(string(gw), string(ev.Type)).Observe(time.Since(start).Seconds())
	}
	return nil
}

// dispatch routes a normalized event to its owning lifecycle manager.
func (s *ReconcileService) dispatch(ctx context.Context, ev *domain.Event) error {
	switch ev.Type {
	case domain.EventInvoicePaid:
		id, err := parseEntityRef(ev)
		if err != nil {
			return err
		}
		return s.invoices.MarkPaid(ctx, id, ev.Gateway, ev.ExternalRef)

	case domain.EventInvoicePaymentFailed:
		id, err := parseEntityRef(ev)
		if err != nil {
			return err
		}
		return s.invoices.MarkOverdue(ctx, id)

	case domain.EventPaymentCaptured:
		switch ev.Purpose {
		case domain.PurposeDonation:
			_, err := s.offsets.CompleteDonation(ctx, ev.Gateway, ev.ExternalRef, ev.EntityRef)
			return err
		case domain.PurposeInvoice:
			id, err := parseEntityRef(ev)
			if err != nil {
				return err
			}
			return s.invoices.MarkPaid(ctx, id, ev.Gateway, ev.ExternalRef)
		default:
			return domain.Invalid("webhook.dispatch", "payment event carries no purpose discriminator")
		}

	case domain.EventPaymentFailed:
		switch ev.Purpose {
		case domain.PurposeDonation:
			return s.offsets.FailDonation(ctx, ev.Gateway, ev.ExternalRef, ev.EntityRef)
		case domain.PurposeInvoice:
			id, err := parseEntityRef(ev)
			if err != nil {
				return err
			}
			return s.invoices.MarkOverdue(ctx, id)
		default:
			return domain.Invalid("webhook.dispatch", "payment event carries no purpose discriminator")
		}

	case domain.EventPaymentRefunded:
		switch ev.Purpose {
		case domain.PurposeDonation:
			_, err := s.offsets.RefundByExternalID(ctx, ev.Gateway, ev.ExternalRef, ev.EntityRef)
			return err
		case domain.PurposeInvoice:
			// Paid is terminal for invoices. Refunds reported by the gateway
			// are acknowledged and left to manual accounting.
			s.logger.Warn("refund reported for a paid invoice",
				"gateway", ev.Gateway, "external_ref", ev.ExternalRef)
			return nil
		default:
			return domain.Invalid("webhook.dispatch", "payment event carries no purpose discriminator")
		}

	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		return s.subscriptions.ApplyGatewayEvent(ctx, ev)

	default:
		return domain.Invalid("webhook.dispatch", "unroutable event type: "+string(ev.Type))
	}
}

// isPermanentDispatchError reports whether redelivery can ever succeed.
// Validation, state, conflict, and not-found errors are stable properties of
// the payload against our data; retrying them only burns gateway retries.
func isPermanentDispatchError(err error) bool {
	switch domain.ErrorCode(err) {
	case domain.EINVALID, domain.ECONFLICT, domain.ENOTFOUND, domain.EFORBIDDEN:
		return true
	}
	return false
}

func parseEntityRef(ev *domain.Event) (uuid.UUID, error) {
	id, err := uuid.Parse(ev.EntityRef)
	if err != nil {
		return uuid.Nil, domain.Invalid("webhook.dispatch", "event carries no valid entity reference")
	}
	return id, nil
}
