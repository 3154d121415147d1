package main

import (
	"encoding/json"
	"time"

	"placementflow/auth"
	"placementflow/maid"
	"placementflow/placement"
)

type feeResponse struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type workflowResponse struct {
	ID        string  `json:"id"`
	SponsorID string  `json:"sponsorId"`
	AgencyID  *string `json:"agencyId,omitempty"`
	MaidID    string  `json:"maidId"`

	Status           string  `json:"status"`
	FeeStatus        string  `json:"feeStatus"`
	TrialOutcome     string  `json:"trialOutcome,omitempty"`
	InterviewOutcome *string `json:"interviewOutcome,omitempty"`
	FailureReason    *string `json:"failureReason,omitempty"`
	FailureStage     *string `json:"failureStage,omitempty"`

	ContactDate            string  `json:"contactDate"`
	InterviewScheduledDate *string `json:"interviewScheduledDate,omitempty"`
	InterviewCompletedDate *string `json:"interviewCompletedDate,omitempty"`
	TrialStartDate         *string `json:"trialStartDate,omitempty"`
	TrialEndDate           *string `json:"trialEndDate,omitempty"`
	PlacementConfirmedDate *string `json:"placementConfirmedDate,omitempty"`
	GuaranteeEndDate       *string `json:"guaranteeEndDate,omitempty"`

	SponsorConfirmed  bool            `json:"sponsorConfirmed"`
	AgencyConfirmed   bool            `json:"agencyConfirmed"`
	Fee               feeResponse     `json:"fee"`
	Notes             json.RawMessage `json:"notes,omitempty"`
	ReminderSentCount int             `json:"reminderSentCount"`
	GuaranteeClaimed  bool            `json:"guaranteeClaimed"`

	Version   int64  `json:"version"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func newWorkflowResponse(w placement.Workflow) workflowResponse {
	resp := workflowResponse{
		ID:                     w.ID,
		SponsorID:              w.SponsorID,
		AgencyID:               w.AgencyID,
		MaidID:                 w.MaidID,
		Status:                 string(w.Status),
		FeeStatus:              string(w.FeeStatus),
		TrialOutcome:           string(w.TrialOutcome),
		InterviewOutcome:       w.InterviewOutcome,
		FailureReason:          w.FailureReason,
		FailureStage:           w.FailureStage,
		ContactDate:            formatTime(w.ContactDate),
		InterviewScheduledDate: formatTimePtr(w.InterviewScheduledDate),
		InterviewCompletedDate: formatTimePtr(w.InterviewCompletedDate),
		TrialStartDate:         formatTimePtr(w.TrialStartDate),
		TrialEndDate:           formatTimePtr(w.TrialEndDate),
		PlacementConfirmedDate: formatTimePtr(w.PlacementConfirmedDate),
		GuaranteeEndDate:       formatTimePtr(w.GuaranteeEndDate),
		SponsorConfirmed:       w.SponsorConfirmed,
		AgencyConfirmed:        w.AgencyConfirmed,
		Fee:                    feeResponse{Amount: w.Fee.Decimal(), Currency: w.Fee.Currency},
		ReminderSentCount:      w.ReminderSentCount,
		GuaranteeClaimed:       w.GuaranteeClaimed,
		Version:                w.Version,
		CreatedAt:              formatTime(w.CreatedAt),
		UpdatedAt:              formatTime(w.UpdatedAt),
	}
	if len(w.Notes) > 0 {
		resp.Notes = w.Notes
	}
	return resp
}

func newWorkflowList(items []placement.Workflow) []workflowResponse {
	out := make([]workflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, newWorkflowResponse(w))
	}
	return out
}

type expiringTrialResponse struct {
	Workflow         workflowResponse `json:"workflow"`
	RemainingSeconds int64            `json:"remainingSeconds"`
	Overdue          bool             `json:"overdue"`
}

type feeTotalResponse struct {
	FeeStatus string `json:"feeStatus"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Count     int    `json:"count"`
}

type statsResponse struct {
	From        string             `json:"from"`
	To          string             `json:"to"`
	Total       int                `json:"total"`
	ByStatus    map[string]int     `json:"byStatus"`
	ByFeeStatus map[string]int     `json:"byFeeStatus"`
	FeeTotals   []feeTotalResponse `json:"feeTotals"`
}

func newStatsResponse(st placement.Stats) statsResponse {
	resp := statsResponse{
		From:        formatTime(st.From),
		To:          formatTime(st.To),
		Total:       st.Total,
		ByStatus:    make(map[string]int, len(st.ByStatus)),
		ByFeeStatus: make(map[string]int, len(st.ByFeeStatus)),
		FeeTotals:   make([]feeTotalResponse, 0, len(st.FeeTotals)),
	}
	for k, v := range st.ByStatus {
		resp.ByStatus[string(k)] = v
	}
	for k, v := range st.ByFeeStatus {
		resp.ByFeeStatus[string(k)] = v
	}
	for _, t := range st.FeeTotals {
		resp.FeeTotals = append(resp.FeeTotals, feeTotalResponse{
			FeeStatus: string(t.FeeStatus),
			Currency:  t.Currency,
			Amount:    placement.Money{Minor: t.Minor, Currency: t.Currency}.Decimal(),
			Count:     t.Count,
		})
	}
	return resp
}

type maidResponse struct {
	ID                 string  `json:"id"`
	FullName           string  `json:"fullName"`
	HiredStatus        string  `json:"hiredStatus"`
	CurrentPlacementID *string `json:"currentPlacementId,omitempty"`
	HiredBySponsorID   *string `json:"hiredBySponsorId,omitempty"`
	HiredDate          *string `json:"hiredDate,omitempty"`
	TrialStartDate     *string `json:"trialStartDate,omitempty"`
	TrialEndDate       *string `json:"trialEndDate,omitempty"`
	UpdatedAt          string  `json:"updatedAt"`
}

func newMaidResponse(p maid.Profile) maidResponse {
	return maidResponse{
		ID:                 p.ID,
		FullName:           p.FullName,
		HiredStatus:        string(p.HiredStatus),
		CurrentPlacementID: p.CurrentPlacementID,
		HiredBySponsorID:   p.HiredBySponsorID,
		HiredDate:          formatTimePtr(p.HiredDate),
		TrialStartDate:     formatTimePtr(p.TrialStartDate),
		TrialEndDate:       formatTimePtr(p.TrialEndDate),
		UpdatedAt:          formatTime(p.UpdatedAt),
	}
}

// redacted keeps what any signed-in user may see: who the maid is and
// whether the maid is free.
func (m maidResponse) redacted() maidResponse {
	return maidResponse{ID: m.ID, FullName: m.FullName, HiredStatus: m.HiredStatus, UpdatedAt: m.UpdatedAt}
}

type accountResponse struct {
	ID       string  `json:"id"`
	Email    string  `json:"email"`
	FullName string  `json:"fullName"`
	Role     string  `json:"role"`
	PartyID  *string `json:"partyId,omitempty"`
}

func newAccountResponse(a auth.Account) accountResponse {
	return accountResponse{
		ID:       a.ID,
		Email:    a.Email,
		FullName: a.FullName,
		Role:     string(a.Role),
		PartyID:  a.PartyID,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
