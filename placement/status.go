package placement

// Status is the lifecycle stage of a placement workflow.
type Status string

const (
	StatusContactInitiated   Status = "contact_initiated"
	StatusInterviewScheduled Status = "interview_scheduled"
	StatusInterviewCompleted Status = "interview_completed"
	StatusTrialStarted       Status = "trial_started"
	StatusConfirmed          Status = "placement_confirmed"
	StatusFailed             Status = "placement_failed"
)

// IsTerminal reports whether no further status change is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusContactInitiated, StatusInterviewScheduled, StatusInterviewCompleted,
		StatusTrialStarted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// FeeStatus tracks the platform fee label. Money moves elsewhere.
type FeeStatus string

const (
	FeePending  FeeStatus = "pending"
	FeeHeld     FeeStatus = "held"
	FeeEarned   FeeStatus = "earned"
	FeeRefunded FeeStatus = "refunded"
	FeeReturned FeeStatus = "returned"
)

func (f FeeStatus) IsTerminal() bool {
	return f == FeeEarned || f == FeeRefunded || f == FeeReturned
}

type TrialOutcome string

const (
	TrialOutcomeUnset  TrialOutcome = ""
	TrialOutcomePassed TrialOutcome = "passed"
	TrialOutcomeFailed TrialOutcome = "failed"
)

// Operation names an engine mutation. Used in errors, events and metrics.
type Operation string

const (
	OpInitiate          Operation = "initiate"
	OpScheduleInterview Operation = "schedule_interview"
	OpCompleteInterview Operation = "complete_interview"
	OpStartTrial        Operation = "start_trial"
	OpConfirmBySponsor  Operation = "confirm_by_sponsor"
	OpConfirmByAgency   Operation = "confirm_by_agency"
	OpConfirmPlacement  Operation = "confirm_placement"
	OpFailPlacement     Operation = "fail_placement"
	OpHoldFee           Operation = "hold_fee"
	OpRefundFee         Operation = "refund_fee"
	OpIncrementReminder Operation = "increment_reminder"
	OpUpdateNotes       Operation = "update_notes"
	OpClaimGuarantee    Operation = "claim_guarantee"
)

type statusRule struct {
	from []Status
	to   Status
}

// statusRules lists the only legal predecessor states per operation. An empty
// to keeps the status unchanged. Fail is handled by allowAnyActive.
var statusRules = map[Operation]statusRule{
	OpScheduleInterview: {from: []Status{StatusContactInitiated}, to: StatusInterviewScheduled},
	OpCompleteInterview: {from: []Status{StatusInterviewScheduled}, to: StatusInterviewCompleted},
	OpStartTrial:        {from: []Status{StatusInterviewCompleted}, to: StatusTrialStarted},
	OpConfirmBySponsor:  {from: []Status{StatusTrialStarted}},
	OpConfirmByAgency:   {from: []Status{StatusTrialStarted}},
	OpConfirmPlacement:  {from: []Status{StatusTrialStarted}, to: StatusConfirmed},
	OpClaimGuarantee:    {from: []Status{StatusConfirmed}},
}

var allowAnyActive = map[Operation]Status{
	OpFailPlacement:     StatusFailed,
	OpIncrementReminder: "",
}

// nextStatus validates op against current and returns the resulting status.
func nextStatus(op Operation, current Status) (Status, error) {
	if to, ok := allowAnyActive[op]; ok {
		if current.IsTerminal() {
			return "", &InvalidTransitionError{Op: op, Current: current}
		}
		if to == "" {
			return current, nil
		}
		return to, nil
	}

	rule, ok := statusRules[op]
	if !ok {
		return current, nil
	}
	for _, s := range rule.from {
		if s == current {
			if rule.to == "" {
				return current, nil
			}
			return rule.to, nil
		}
	}
	return "", &InvalidTransitionError{Op: op, Current: current}
}

type feeRule struct {
	from []FeeStatus
	to   FeeStatus
}

var feeRules = map[Operation]feeRule{
	OpStartTrial:       {from: []FeeStatus{FeePending, FeeHeld}, to: FeeHeld},
	OpConfirmPlacement: {from: []FeeStatus{FeePending, FeeHeld}, to: FeeEarned},
	OpFailPlacement:    {from: []FeeStatus{FeePending, FeeHeld}, to: FeeReturned},
	OpHoldFee:          {from: []FeeStatus{FeePending, FeeHeld}, to: FeeHeld},
	OpRefundFee:        {from: []FeeStatus{FeePending, FeeHeld}, to: FeeRefunded},
}

// nextFee validates the fee move for op.
func nextFee(op Operation, current FeeStatus) (FeeStatus, error) {
	rule, ok := feeRules[op]
	if !ok {
		return current, nil
	}
	for _, f := range rule.from {
		if f == current {
			return rule.to, nil
		}
	}
	return "", &InvalidFeeTransitionError{Op: op, Current: current}
}
