package placement

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Money is an amount in minor units (cents) with an ISO 4217 currency code.
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// String renders the amount as a decimal, e.g. "500.00 USD".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal(), m.Currency)
}

// Decimal renders the amount with two fraction digits.
func (m Money) Decimal() string {
	sign := ""
	minor := m.Minor
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// maxFeeUnits bounds the whole part to what numeric(12,2) can store.
const maxFeeUnits = 10_000_000_000

// ParseMoney parses a decimal amount with at most two fraction digits.
func ParseMoney(amount, currency string) (Money, error) {
	amount = strings.TrimSpace(amount)
	whole, frac, hasFrac := strings.Cut(amount, ".")
	if !digits(whole) || (hasFrac && !digits(frac)) {
		return Money{}, &ValidationError{Field: "fee amount", Reason: fmt.Sprintf("%q is not a non-negative decimal", amount)}
	}
	if len(frac) > 2 {
		return Money{}, &ValidationError{Field: "fee amount", Reason: "at most two fraction digits"}
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units >= maxFeeUnits {
		return Money{}, &ValidationError{Field: "fee amount", Reason: "too large"}
	}
	cents, _ := strconv.ParseInt(frac, 10, 64)
	m := Money{Minor: units*100 + cents, Currency: strings.ToUpper(currency)}
	return m, m.validate()
}

// digits reports whether s is a non-empty run of ASCII digits.
func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (m Money) validate() error {
	if m.Minor < 0 {
		return &ValidationError{Field: "fee amount", Reason: "must not be negative"}
	}
	if len(m.Currency) != 3 {
		return &ValidationError{Field: "fee currency", Reason: "must be a 3 letter ISO code"}
	}
	for _, r := range m.Currency {
		if r < 'A' || r > 'Z' {
			return &ValidationError{Field: "fee currency", Reason: "must be upper case letters"}
		}
	}
	return nil
}

// Workflow is one attempt to place a maid with a sponsor, optionally through
// an agency.
type Workflow struct {
	ID        string
	SponsorID string
	AgencyID  *string
	MaidID    string

	Status           Status
	FeeStatus        FeeStatus
	TrialOutcome     TrialOutcome
	InterviewOutcome *string
	FailureReason    *string
	FailureStage     *string

	ContactDate            time.Time
	InterviewScheduledDate *time.Time
	InterviewCompletedDate *time.Time
	TrialStartDate         *time.Time
	TrialEndDate           *time.Time
	PlacementConfirmedDate *time.Time
	GuaranteeEndDate       *time.Time

	SponsorConfirmed bool
	AgencyConfirmed  bool

	Fee               Money
	Notes             json.RawMessage
	ReminderSentCount int
	GuaranteeClaimed  bool
	IdempotencyKey    *string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAgency reports whether the placement runs through an agency.
func (w Workflow) HasAgency() bool {
	return w.AgencyID != nil && *w.AgencyID != ""
}

// confirmationsMet reports whether every party required for final
// confirmation has agreed. Direct placements need only the sponsor.
func (w Workflow) confirmationsMet() bool {
	if !w.SponsorConfirmed {
		return false
	}
	return !w.HasAgency() || w.AgencyConfirmed
}

// InitiateParams carries the inputs of Initiate.
type InitiateParams struct {
	SponsorID string
	AgencyID  *string
	MaidID    string
	Fee       Money
	// IdempotencyKey is optional. A replay with the same key returns the
	// workflow created by the first call.
	IdempotencyKey string
}

func (p InitiateParams) validate() error {
	if strings.TrimSpace(p.SponsorID) == "" {
		return &ValidationError{Field: "sponsor id", Reason: "required"}
	}
	if strings.TrimSpace(p.MaidID) == "" {
		return &ValidationError{Field: "maid id", Reason: "required"}
	}
	return p.Fee.validate()
}

// ExpiringTrial is a running trial annotated relative to the snapshot time.
type ExpiringTrial struct {
	Workflow  Workflow
	Remaining time.Duration
	Overdue   bool
}

// FeeTotal sums fees for one fee status and currency.
type FeeTotal struct {
	FeeStatus FeeStatus
	Currency  string
	Minor     int64
	Count     int
}

// Stats aggregates workflows created within [From, To).
type Stats struct {
	From        time.Time
	To          time.Time
	Total       int
	ByStatus    map[Status]int
	ByFeeStatus map[FeeStatus]int
	FeeTotals   []FeeTotal
}

// Event is one row of the placement timeline.
type Event struct {
	WorkflowID string
	Type       string
	ActorID    string
	Payload    map[string]any
	CreatedAt  time.Time
}
