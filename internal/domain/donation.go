package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DonationStatus is the lifecycle state of a carbon-offset donation.
type DonationStatus string

const (
	DonationStatusPending   DonationStatus = "pending"
	DonationStatusCompleted DonationStatus = "completed"
	DonationStatusFailed    DonationStatus = "failed"
	DonationStatusRefunded  DonationStatus = "refunded"
)

// ProjectType categorizes the offset project a donation funds.
type ProjectType string

const (
	ProjectReforestation   ProjectType = "reforestation"
	ProjectRenewableEnergy ProjectType = "renewable_energy"
	ProjectDirectCapture   ProjectType = "direct_capture"
	ProjectSoilCarbon      ProjectType = "soil_carbon"
)

// Per-metric-ton prices in USD cents. Direct air capture costs a multiple of
// nature-based projects.
var projectPricePerTonCents = map[ProjectType]int64{
	ProjectReforestation:   1000,
	ProjectRenewableEnergy: 1200,
	ProjectDirectCapture:   2500,
	ProjectSoilCarbon:      1500,
}

// DefaultProjectType is used when the caller does not pick a project.
const DefaultProjectType = ProjectReforestation

// MinimumDonationCents is the floor charged for any donation.
const MinimumDonationCents int64 = 100

// ParseProjectType validates a project type from user input, defaulting when
// empty.
func ParseProjectType(s string) (ProjectType, error) {
	if s == "" {
		return DefaultProjectType, nil
	}
	switch ProjectType(s) {
	case ProjectReforestation, ProjectRenewableEnergy, ProjectDirectCapture, ProjectSoilCarbon:
		return ProjectType(s), nil
	}
	return "", Errorf(EINVALID, "donation.project", "unknown project type: %q", s)
}

// OffsetCostCents prices carbonKg against the project table, applying the
// minimum charge. carbonKg uses decimal arithmetic so fractional kilograms do
// not drift before the cents conversion.
func OffsetCostCents(carbonKg decimal.Decimal, project ProjectType) (int64, error) {
	perTon, ok := projectPricePerTonCents[project]
	if !ok {
		return 0, Errorf(EINVALID, "donation.price", "unknown project type: %q", project)
	}
	if carbonKg.LessThanOrEqual(decimal.Zero) {
		return 0, Invalid("donation.price", "carbon amount must be positive")
	}

	cost := carbonKg.Mul(decimal.NewFromInt(perTon)).Div(decimal.NewFromInt(1000))
	cents := cost.Ceil().IntPart()
	if cents < MinimumDonationCents {
		cents = MinimumDonationCents
	}
	return cents, nil
}

// Donation-related domain errors.
var (
	ErrDonationNotPending   = &Error{Code: EINVALID, Message: "Donation is not awaiting payment"}
	ErrDonationNotCompleted = &Error{Code: EINVALID, Message: "Only completed donations can be refunded"}
)

// Donation is a carbon-offset purchase. Completion is the only transition
// that touches a second aggregate: the user's cumulative offset ledger.
type Donation struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	OrganizationID     *uuid.UUID
	CarbonKg           decimal.Decimal
	CostCents          int64
	Gateway            Gateway
	ExternalPurchaseID string
	ProjectType        ProjectType
	Status             DonationStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OffsetLedgerEntry is a user's cumulative completed offset total.
type OffsetLedgerEntry struct {
	UserID        uuid.UUID
	TotalCarbonKg decimal.Decimal
	UpdatedAt     time.Time
}

// CreateDonationParams requests a new donation intent.
type CreateDonationParams struct {
	UserID         uuid.UUID
	OrganizationID *uuid.UUID
	CarbonKg       decimal.Decimal
	Gateway        Gateway
	ProjectType    ProjectType
}

// PaymentIntentRef is the gateway payment handle returned to the caller.
type PaymentIntentRef struct {
	ClientSecret string `json:"client_secret"`
	ExternalID   string `json:"external_id"`
}

// DonationStore persists donations and the offset ledger.
type DonationStore interface {
	// CreateDonation inserts a pending donation.
	CreateDonation(ctx context.Context, d *Donation) error

	// GetDonation returns the donation, or ENOTFOUND.
	GetDonation(ctx context.Context, id uuid.UUID) (*Donation, error)

	// GetByExternalPurchaseID looks a donation up by its gateway purchase
	// reference.
	GetByExternalPurchaseID(ctx context.Context, gateway Gateway, externalID string) (*Donation, error)

	// CompleteDonation flips pending -> completed and increments the user's
	// ledger by the donation's carbon amount in one transaction. Returns
	// rows changed (0 when the donation was no longer pending).
	CompleteDonation(ctx context.Context, id uuid.UUID) (int64, error)

	// FailDonation flips pending -> failed. Returns rows changed.
	FailDonation(ctx context.Context, id uuid.UUID) (int64, error)

	// RefundDonation flips completed -> refunded and decrements the ledger
	// in one transaction. Returns rows changed.
	RefundDonation(ctx context.Context, id uuid.UUID) (int64, error)

	// GetLedger returns the user's cumulative completed total. A user with
	// no completed donations gets a zero entry, not ENOTFOUND.
	GetLedger(ctx context.Context, userID uuid.UUID) (*OffsetLedgerEntry, error)

	// FailStalePending marks pending donations older than cutoff failed.
	// Returns the number updated.
	FailStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}
