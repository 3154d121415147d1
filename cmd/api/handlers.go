package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"placementflow/auth"
	"placementflow/placement"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := s.auth.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     auth.Role(req.Role),
	})
	switch {
	case errors.Is(err, auth.ErrAdminRegistration):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountResponse(*account))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expiresAt"`
	Account   accountResponse `json:"account"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.auth.Login(r.Context(), auth.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: formatTime(res.ExpiresAt),
		Account:   newAccountResponse(res.Account),
	})
}

type bindPartyRequest struct {
	PartyID string `json:"partyId" validate:"required"`
}

func (s *Server) handleBindParty(w http.ResponseWriter, r *http.Request) {
	var req bindPartyRequest
	if !s.bind(w, r, &req) {
		return
	}
	account, err := s.auth.BindParty(r.Context(), chi.URLParam(r, "id"), req.PartyID)
	switch {
	case errors.Is(err, auth.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, auth.ErrAdminParty), errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(*account))
}

type initiateRequest struct {
	SponsorID      string `json:"sponsorId"`
	AgencyID       string `json:"agencyId"`
	MaidID         string `json:"maidId" validate:"required"`
	FeeAmount      string `json:"feeAmount" validate:"required"`
	FeeCurrency    string `json:"feeCurrency" validate:"required,len=3,alpha"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req initiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Sponsors and agencies initiate for themselves; only admins name
	// arbitrary parties.
	switch identity.Role {
	case auth.RoleSponsor:
		if req.SponsorID == "" {
			req.SponsorID = identity.PartyID
		}
		if req.SponsorID != identity.PartyID {
			writeError(w, http.StatusForbidden, "sponsors initiate only their own placements")
			return
		}
	case auth.RoleAgency:
		if req.AgencyID == "" {
			req.AgencyID = identity.PartyID
		}
		if req.AgencyID != identity.PartyID {
			writeError(w, http.StatusForbidden, "agencies initiate only their own placements")
			return
		}
	}

	fee, err := placement.ParseMoney(req.FeeAmount, req.FeeCurrency)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	params := placement.InitiateParams{
		SponsorID:      req.SponsorID,
		MaidID:         req.MaidID,
		Fee:            fee,
		IdempotencyKey: req.IdempotencyKey,
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		params.IdempotencyKey = key
	}
	if req.AgencyID != "" {
		agency := req.AgencyID
		params.AgencyID = &agency
	}

	wf, err := s.placements.Initiate(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWorkflowResponse(wf))
}

// party reports whether the caller may act on the workflow at all.
func party(identity auth.Identity, wf placement.Workflow) bool {
	if identity.Acts(wf.SponsorID) {
		return true
	}
	return wf.AgencyID != nil && identity.Acts(*wf.AgencyID)
}

func sponsorOnly(identity auth.Identity, wf placement.Workflow) bool {
	return identity.Acts(wf.SponsorID)
}

// agencyOnly lets any party through on a direct placement so the engine can
// answer ErrNoAgency; strangers are still refused.
func agencyOnly(identity auth.Identity, wf placement.Workflow) bool {
	if wf.AgencyID == nil {
		return party(identity, wf)
	}
	return identity.Acts(*wf.AgencyID)
}

// authorize loads the workflow named in the path and checks the caller
// against allowed. It writes the response and returns false on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, allowed func(auth.Identity, placement.Workflow) bool) (string, bool) {
	id := chi.URLParam(r, "id")
	identity, _ := identityFrom(r.Context())
	if identity.Role == auth.RoleAdmin {
		return id, true
	}

	wf, err := s.placements.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return "", false
	}
	if !allowed(identity, wf) {
		// Strangers get 404 so placement ids don't leak.
		if !party(identity, wf) {
			writeError(w, http.StatusNotFound, placement.ErrNotFound.Error())
		} else {
			writeError(w, http.StatusForbidden, "not permitted for this placement")
		}
		return "", false
	}
	return id, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, wf placement.Workflow, err error) {
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkflowResponse(wf))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())
	wf, err := s.placements.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && !party(identity, wf) {
		err = placement.ErrNotFound
	}
	s.respond(w, r, wf, err)
}

type scheduleInterviewRequest struct {
	InterviewDate time.Time `json:"interviewDate" validate:"required"`
}

func (s *Server) handleScheduleInterview(w http.ResponseWriter, r *http.Request) {
	var req scheduleInterviewRequest
	if !s.bind(w, r, &req) {
		return
	}
	id, ok := s.authorize(w, r, party)
	if !ok {
		return
	}
	wf, err := s.placements.ScheduleInterview(r.Context(), id, req.InterviewDate)
	s.respond(w, r, wf, err)
}

type completeInterviewRequest struct {
	Outcome string `json:"outcome" validate:"required"`
}

func (s *Server) handleCompleteInterview(w http.ResponseWriter, r *http.Request) {
	var req completeInterviewRequest
	if !s.bind(w, r, &req) {
		return
	}
	id, ok := s.authorize(w, r, party)
	if !ok {
		return
	}
	wf, err := s.placements.CompleteInterview(r.Context(), id, req.Outcome)
	s.respond(w, r, wf, err)
}

type startTrialRequest struct {
	TrialEndDate time.Time `json:"trialEndDate" validate:"required"`
}

func (s *Server) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	var req startTrialRequest
	if !s.bind(w, r, &req) {
		return
	}
	id, ok := s.authorize(w, r, party)
	if !ok {
		return
	}
	wf, err := s.placements.StartTrial(r.Context(), id, req.TrialEndDate)
	s.respond(w, r, wf, err)
}

func (s *Server) handleConfirmBySponsor(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, sponsorOnly)
	if !ok {
		return
	}
	wf, err := s.placements.ConfirmBySponsor(r.Context(), id)
	s.respond(w, r, wf, err)
}

func (s *Server) handleConfirmByAgency(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, agencyOnly)
	if !ok {
		return
	}
	wf, err := s.placements.ConfirmByAgency(r.Context(), id)
	s.respond(w, r, wf, err)
}

type confirmRequest struct {
	GuaranteeEndDate time.Time `json:"guaranteeEndDate" validate:"required"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !s.bind(w, r, &req) {
		return
	}
	id, ok := s.authorize(w, r, party)
	if !ok {
		return
	}
	wf, err := s.placements.ConfirmPlacement(r.Context(), id, req.GuaranteeEndDate)
	s.respond(w, r, wf, err)
}

type failRequest struct {
	Reason string `json:"reason" validate:"required"`
	Stage  string `json:"stage"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !s.bind(w, r, &req) {
		return
	}
	id, ok := s.authorize(w, r, party)
	if !ok {
		return
	}
	wf, err := s.placements.FailPlacement(r.Context(), id, req.Reason, req.Stage)
	s.respond(w, r, wf, err)
}

func (s *Server) handleHoldFee(w http.ResponseWriter, r *http.Request) {
	wf, err := s.placements.HoldFee(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, wf, err)
}

func (s *Server) handleRefundFee(w http.ResponseWriter, r *http.Request) {
	wf, err := s.placements.RefundFee(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, wf, err)
}

func (s *Server) handleReminder(w http.ResponseWriter, r *http.Request) {
	wf, err := s.placements.IncrementReminderCount(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, wf, err)
}

func (s *Server) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	var notes json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&notes); err != nil {
		writeError(w, http.StatusBadRequest, placement.ErrInvalidNotes.Error())
		return
	}
	id, ok := s.authorize(w, r, party)
	if !ok {
		return
	}
	wf, err := s.placements.UpdateNotes(r.Context(), id, notes)
	s.respond(w, r, wf, err)
}

func (s *Server) handleClaimGuarantee(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, sponsorOnly)
	if !ok {
		return
	}
	wf, err := s.placements.ClaimGuarantee(r.Context(), id)
	s.respond(w, r, wf, err)
}

func (s *Server) handleSponsorPlacements(w http.ResponseWriter, r *http.Request) {
	s.listFor(w, r, s.placements.ListForSponsor)
}

func (s *Server) handleAgencyPlacements(w http.ResponseWriter, r *http.Request) {
	s.listFor(w, r, s.placements.ListForAgency)
}

type listFunc func(ctx context.Context, partyID string, status *placement.Status) ([]placement.Workflow, error)

func (s *Server) listFor(w http.ResponseWriter, r *http.Request, list listFunc) {
	partyID := chi.URLParam(r, "id")
	identity, _ := identityFrom(r.Context())
	if !identity.Acts(partyID) {
		writeError(w, http.StatusForbidden, "not permitted for this party")
		return
	}

	var status *placement.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := placement.Status(raw)
		status = &st
	}
	items, err := list(r.Context(), partyID, status)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newWorkflowList(items), "total": len(items)})
}

// handleMaid shows the mirror; placement links are only visible to admins
// and to the parties of the maid's current or hiring placement.
func (s *Server) handleMaid(w http.ResponseWriter, r *http.Request) {
	profile, err := s.maids.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	identity, _ := identityFrom(r.Context())
	visible := identity.Role == auth.RoleAdmin ||
		(profile.HiredBySponsorID != nil && identity.Acts(*profile.HiredBySponsorID))
	if !visible && profile.CurrentPlacementID != nil {
		wf, err := s.placements.Get(r.Context(), *profile.CurrentPlacementID)
		switch {
		case err == nil:
			visible = party(identity, wf)
		case !errors.Is(err, placement.ErrNotFound):
			s.writeEngineError(w, r, err)
			return
		}
	}
	resp := newMaidResponse(profile)
	if !visible {
		resp = resp.redacted()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMaidActivePlacement answers 404 to callers who are not a party of
// the active placement, the same as handleGet.
func (s *Server) handleMaidActivePlacement(w http.ResponseWriter, r *http.Request) {
	wf, found, err := s.placements.FindActivePlacementForMaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"placement": nil})
		return
	}
	identity, _ := identityFrom(r.Context())
	if !party(identity, wf) {
		writeError(w, http.StatusNotFound, placement.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"placement": newWorkflowResponse(wf)})
}

func (s *Server) handleExpiringTrials(w http.ResponseWriter, r *http.Request) {
	asOf, ok := queryTime(w, r, "asOf", s.now())
	if !ok {
		return
	}
	trials, err := s.placements.FindExpiringTrials(r.Context(), asOf)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	items := make([]expiringTrialResponse, 0, len(trials))
	for _, t := range trials {
		items = append(items, expiringTrialResponse{
			Workflow:         newWorkflowResponse(t.Workflow),
			RemainingSeconds: int64(t.Remaining / time.Second),
			Overdue:          t.Overdue,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"asOf": formatTime(asOf), "items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	from, ok := queryTime(w, r, "from", time.Time{})
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to", time.Time{})
	if !ok {
		return
	}
	stats, err := s.placements.Stats(r.Context(), from, to)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	items, err := s.placements.Recent(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newWorkflowList(items), "total": len(items)})
}

// bind decodes and validates a JSON body, writing 400 on failure.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(w, r, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func queryTime(w http.ResponseWriter, r *http.Request, key string, fallback time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, key+" must be RFC3339")
		return time.Time{}, false
	}
	return t, true
}
