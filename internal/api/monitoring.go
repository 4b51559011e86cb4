package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/codelaboratoryltd/meridian/internal/auth"
	"github.com/codelaboratoryltd/meridian/internal/outage"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/validation"
)

// ResolveRequest represents a technician closing an outage ticket.
type ResolveRequest struct {
	Technician string `json:"technician,omitempty"` // defaults to the caller
}

// ConfirmationRequest represents a customer's chat reply relayed by the
// chat gateway.
type ConfirmationRequest struct {
	Phone  string `json:"phone"`
	Answer string `json:"answer"`
}

// outageErrorStatus maps outage errors to HTTP status codes.
func outageErrorStatus(err error) int {
	switch {
	case errors.Is(err, outage.ErrNotTicketed), errors.Is(err, outage.ErrNotAwaiting):
		return http.StatusConflict
	case errors.Is(err, outage.ErrNoConversation):
		return http.StatusNotFound
	case errors.Is(err, outage.ErrUnrecognizedAnswer):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// listMonitoring returns stored monitoring states, optionally filtered by
// ?state=.
func (s *Server) listMonitoring(w http.ResponseWriter, r *http.Request) {
	states, err := s.detector.List(r.Context())
	if err != nil {
		log.Errorw("failed to list monitoring states", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filter := store.MonitoringPhase(r.URL.Query().Get("state"))
	response := make([]*store.MonitoringState, 0, len(states))
	for _, st := range states {
		if filter != "" && st.Phase != filter {
			continue
		}
		response = append(response, st)
	}
	sort.Slice(response, func(i, j int) bool { return response[i].CustomerID < response[j].CustomerID })

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"states": response,
		"count":  len(response),
	})
}

// getMonitoring returns one customer's monitoring state.
func (s *Server) getMonitoring(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}

	state, err := s.detector.Get(r.Context(), id)
	if err != nil {
		log.Errorw("failed to load monitoring state", "customer", id, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// resolveOutage closes a ticketed outage.
func (s *Server) resolveOutage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := customerID(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Technician == "" {
		req.Technician = auth.ActorID(ctx)
	}
	if err := validation.ValidateTechnician(req.Technician); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.detector.Resolve(ctx, id, req.Technician)
	if err != nil {
		respondError(w, outageErrorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// recordConfirmation routes a customer's answer to the confirmation question
// to the outage it belongs to.
func (s *Server) recordConfirmation(w http.ResponseWriter, r *http.Request) {
	var req ConfirmationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	phone, err := validation.NormalizePhone(req.Phone)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	answer, err := validation.ValidateAnswer(req.Answer)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.detector.RecordReply(r.Context(), phone, answer)
	if err != nil {
		status := outageErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Errorw("failed to record confirmation", "error", err)
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}
