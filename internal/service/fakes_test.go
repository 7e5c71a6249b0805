package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkarlsen/greenledger/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInvoiceStore is an in-memory domain.InvoiceStore.
type fakeInvoiceStore struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*domain.Invoice
	seq      int64
}

func newFakeInvoiceStore() *fakeInvoiceStore {
	return &fakeInvoiceStore{invoices: make(map[uuid.UUID]*domain.Invoice)}
}

func (s *fakeInvoiceStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	inv.InvoiceNumber = fmt.Sprintf("INV-%06d", s.seq)
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *fakeInvoiceStore) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, domain.NotFound("invoice.get", "invoice", id.String())
	}
	cp := *inv
	return &cp, nil
}

func (s *fakeInvoiceStore) ListInvoicesForCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int32) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range s.invoices {
		if inv.CustomerID == customerID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *fakeInvoiceStore) ReplaceItems(ctx context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.invoices[inv.ID]
	if !ok {
		return domain.NotFound("invoice.update", "invoice", inv.ID.String())
	}
	if stored.Status != domain.InvoiceStatusDraft {
		return domain.ErrInvoiceNotDraft
	}
	cp := *inv
	cp.Status = stored.Status
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *fakeInvoiceStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.InvoiceStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status != from {
		return 0, nil
	}
	inv.Status = to
	return 1, nil
}

func (s *fakeInvoiceStore) MarkPaid(ctx context.Context, id uuid.UUID, gateway domain.Gateway, externalRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return 0, nil
	}
	if inv.Status != domain.InvoiceStatusPending && inv.Status != domain.InvoiceStatusOverdue {
		return 0, nil
	}
	inv.Status = domain.InvoiceStatusPaid
	inv.Gateway = gateway
	inv.ExternalRef = externalRef
	return 1, nil
}

func (s *fakeInvoiceStore) MarkInvoicesOverdue(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, inv := range s.invoices {
		if inv.Status == domain.InvoiceStatusPending && inv.DueDate != nil && inv.DueDate.Before(now) {
			inv.Status = domain.InvoiceStatusOverdue
			n++
		}
	}
	return n, nil
}

// fakeSubscriptionStore is an in-memory domain.SubscriptionStore.
type fakeSubscriptionStore struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*domain.Subscription
}

func newFakeSubscriptionStore() *fakeSubscriptionStore {
	return &fakeSubscriptionStore{subscriptions: make(map[uuid.UUID]*domain.Subscription)}
}

func (s *fakeSubscriptionStore) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, domain.NotFound("subscription.get", "subscription", id.String())
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeSubscriptionStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Status != domain.SubscriptionStatusCanceled {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, domain.NotFound("subscription.active", "subscription", userID.String())
}

func (s *fakeSubscriptionStore) GetByExternalID(ctx context.Context, provider domain.Gateway, externalID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.Provider == provider && sub.ExternalSubscriptionID == externalID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, domain.NotFound("subscription.get_external", "subscription", externalID)
}

func (s *fakeSubscriptionStore) UpsertByExternalID(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if existing.Provider == sub.Provider && existing.ExternalSubscriptionID == sub.ExternalSubscriptionID {
			cp := *sub
			cp.ID = existing.ID
			s.subscriptions[existing.ID] = &cp
			return nil
		}
	}
	for _, existing := range s.subscriptions {
		if existing.UserID == sub.UserID && existing.Status != domain.SubscriptionStatusCanceled {
			return domain.ErrSubscriptionExists
		}
	}
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *fakeSubscriptionStore) UpdateTier(ctx context.Context, id uuid.UUID, tier domain.SubscriptionTier) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return 0, nil
	}
	if sub.Status != domain.SubscriptionStatusActive && sub.Status != domain.SubscriptionStatusTrialing {
		return 0, nil
	}
	sub.Tier = tier
	return 1, nil
}

func (s *fakeSubscriptionStore) Cancel(ctx context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.Status == domain.SubscriptionStatusCanceled {
		return 0, nil
	}
	sub.Status = domain.SubscriptionStatusCanceled
	sub.CancelAtPeriodEnd = false
	return 1, nil
}

func (s *fakeSubscriptionStore) SetCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, flag bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return 0, nil
	}
	if sub.Status != domain.SubscriptionStatusActive && sub.Status != domain.SubscriptionStatusTrialing {
		return 0, nil
	}
	sub.CancelAtPeriodEnd = flag
	return 1, nil
}

// fakeDonationStore is an in-memory domain.DonationStore with a ledger.
type fakeDonationStore struct {
	mu        sync.Mutex
	donations map[uuid.UUID]*domain.Donation
	ledger    map[uuid.UUID]decimal.Decimal
}

func newFakeDonationStore() *fakeDonationStore {
	return &fakeDonationStore{
		donations: make(map[uuid.UUID]*domain.Donation),
		ledger:    make(map[uuid.UUID]decimal.Decimal),
	}
}

func (s *fakeDonationStore) CreateDonation(ctx context.Context, d *domain.Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.donations[d.ID] = &cp
	return nil
}

func (s *fakeDonationStore) GetDonation(ctx context.Context, id uuid.UUID) (*domain.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok {
		return nil, domain.NotFound("donation.get", "donation", id.String())
	}
	cp := *d
	return &cp, nil
}

func (s *fakeDonationStore) GetByExternalPurchaseID(ctx context.Context, gateway domain.Gateway, externalID string) (*domain.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.donations {
		if d.Gateway == gateway && d.ExternalPurchaseID == externalID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.NotFound("donation.get_external", "donation", externalID)
}

func (s *fakeDonationStore) CompleteDonation(ctx context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok || d.Status != domain.DonationStatusPending {
		return 0, nil
	}
	d.Status = domain.DonationStatusCompleted
	s.ledger[d.UserID] = s.ledger[d.UserID].Add(d.CarbonKg)
	return 1, nil
}

func (s *fakeDonationStore) FailDonation(ctx context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok || d.Status != domain.DonationStatusPending {
		return 0, nil
	}
	d.Status = domain.DonationStatusFailed
	return 1, nil
}

func (s *fakeDonationStore) RefundDonation(ctx context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok || d.Status != domain.DonationStatusCompleted {
		return 0, nil
	}
	d.Status = domain.DonationStatusRefunded
	s.ledger[d.UserID] = s.ledger[d.UserID].Sub(d.CarbonKg)
	return 1, nil
}

func (s *fakeDonationStore) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.OffsetLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, ok := s.ledger[userID]
	if !ok {
		total = decimal.Zero
	}
	return &domain.OffsetLedgerEntry{UserID: userID, TotalCarbonKg: total}, nil
}

func (s *fakeDonationStore) FailStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.donations {
		if d.Status == domain.DonationStatusPending && d.CreatedAt.Before(cutoff) {
			d.Status = domain.DonationStatusFailed
			n++
		}
	}
	return n, nil
}

// fakeEventStore is an in-memory idempotency ledger.
type fakeEventStore struct {
	mu     sync.Mutex
	events map[string]*domain.GatewayEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*domain.GatewayEvent)}
}

func eventKey(gw domain.Gateway, id string) string {
	return string(gw) + ":" + id
}

func (s *fakeEventStore) InsertEvent(ctx context.Context, ev domain.GatewayEvent) (domain.GatewayEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey(ev.Gateway, ev.ExternalEventID)
	if existing, ok := s.events[k]; ok {
		return *existing, false, nil
	}
	cp := ev
	s.events[k] = &cp
	return cp, true, nil
}

func (s *fakeEventStore) MarkProcessed(ctx context.Context, gateway domain.Gateway, externalEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[eventKey(gateway, externalEventID)]; ok {
		now := time.Now().UTC()
		ev.Processed = true
		ev.ProcessedAt = &now
	}
	return nil
}

func (s *fakeEventStore) processed(gw domain.Gateway, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventKey(gw, id)]
	return ok && ev.Processed
}

func (s *fakeEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
