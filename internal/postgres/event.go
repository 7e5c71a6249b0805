package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// EventStore implements the idempotency ledger on PostgreSQL. The primary key
// (gateway, external_event_id) makes the check-and-insert a single atomic
// statement: concurrent deliveries of the same event race on the insert and
// exactly one wins.
type EventStore struct {
	db *pgxpool.Pool
}

// Compile-time check that EventStore implements domain.EventStore.
var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates a new PostgreSQL-backed idempotency ledger.
func NewEventStore(db *pgxpool.Pool) *EventStore {
	return &EventStore{db: db}
}

// InsertEvent records the event if it is new. ON CONFLICT DO NOTHING plus the
// follow-up read keeps this a single race-free round trip per delivery.
func (s *EventStore) InsertEvent(ctx context.Context, ev domain.GatewayEvent) (domain.GatewayEvent, bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO gateway_events (gateway, external_event_id, event_type, received_at, processed)
		VALUES ($1, $2, $3, $4, false)
		ON CONFLICT (gateway, external_event_id) DO NOTHING`,
		string(ev.Gateway), ev.ExternalEventID, string(ev.Type), ev.ReceivedAt)
	if err != nil {
		return domain.GatewayEvent{}, false, domain.Internal(err, "ledger.insert", "failed to insert gateway event")
	}
	inserted := tag.RowsAffected() == 1

	var stored domain.GatewayEvent
	var gateway, eventType string
	err = s.db.QueryRow(ctx, `
		SELECT gateway, external_event_id, event_type, received_at, processed, processed_at
		FROM gateway_events
		WHERE gateway = $1 AND external_event_id = $2`,
		string(ev.Gateway), ev.ExternalEventID).Scan(
		&gateway, &stored.ExternalEventID, &eventType,
		&stored.ReceivedAt, &stored.Processed, &stored.ProcessedAt,
	)
	if err != nil {
		return domain.GatewayEvent{}, false, domain.Internal(err, "ledger.insert", "failed to read gateway event")
	}
	stored.Gateway = domain.Gateway(gateway)
	stored.Type = domain.EventType(eventType)

	return stored, inserted, nil
}

// MarkProcessed flips the entry's processed flag after a successful dispatch.
func (s *EventStore) MarkProcessed(ctx context.Context, gateway domain.Gateway, externalEventID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE gateway_events
		SET processed = true, processed_at = now()
		WHERE gateway = $1 AND external_event_id = $2`,
		string(gateway), externalEventID)
	if err != nil {
		return domain.Internal(err, "ledger.mark_processed", "failed to mark event processed")
	}
	return nil
}
