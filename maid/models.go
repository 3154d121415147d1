package maid

import "time"

// HiredStatus is the maid-side mirror of the owning placement's progress.
type HiredStatus string

const (
	HiredStatusAvailable HiredStatus = "available"
	HiredStatusInProcess HiredStatus = "in_process"
	HiredStatusOnTrial   HiredStatus = "on_trial"
	HiredStatusHired     HiredStatus = "hired"
)

// Profile captures the maid_profiles columns owned by the placement engine.
// The mirror fields are derived from the active placement and are never
// written outside an engine transaction.
type Profile struct {
	ID                 string
	FullName           string
	HiredStatus        HiredStatus
	CurrentPlacementID *string
	HiredBySponsorID   *string
	HiredDate          *time.Time
	TrialStartDate     *time.Time
	TrialEndDate       *time.Time
	UpdatedAt          time.Time
}

// TrialMirror carries the fields copied onto the profile when a trial starts.
type TrialMirror struct {
	MaidID     string
	WorkflowID string
	SponsorID  string
	TrialStart time.Time
	TrialEnd   time.Time
}
