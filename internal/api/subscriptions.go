package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/codelaboratoryltd/meridian/internal/auth"
	"github.com/codelaboratoryltd/meridian/internal/reconcile"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/validation"
)

// ActivationRequest represents a subscription activation from billing.
type ActivationRequest struct {
	PackageID      int64      `json:"package_id"`
	ActivationDate *time.Time `json:"activation_date,omitempty"` // defaults to now
	ExpiryDate     time.Time  `json:"expiry_date"`
}

// ReconciliationResponse is the outcome of one reconciliation.
type ReconciliationResponse struct {
	Status store.ReconciliationStatus `json:"status"`
	Detail string                     `json:"detail,omitempty"`
	Target reconcile.Target           `json:"target,omitempty"`
	Steps  []reconcile.StepResult     `json:"steps"`
	Error  string                     `json:"error,omitempty"`
}

// ActivationResponse represents a committed activation and the outcome of
// pushing it to the router.
type ActivationResponse struct {
	Subscription   *store.Subscription    `json:"subscription"`
	Reconciliation ReconciliationResponse `json:"reconciliation"`
}

// NewReconciliationResponse reports a reconciliation result. err is the error
// returned alongside it, if any.
func NewReconciliationResponse(res reconcile.Result, err error) ReconciliationResponse {
	resp := ReconciliationResponse{
		Status: res.Status(),
		Detail: res.Detail(),
		Target: res.Target,
		Steps:  res.Steps,
	}
	if resp.Steps == nil {
		resp.Steps = []reconcile.StepResult{}
	}
	if err != nil {
		resp.Status = store.ReconciliationFailed
		resp.Error = err.Error()
	}
	return resp
}

func customerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := validation.ParseCustomerID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

// storeErrorStatus maps billing store errors to HTTP status codes.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrCustomerNotFound),
		errors.Is(err, store.ErrPackageNotFound),
		errors.Is(err, store.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConcurrentActivation):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// activateSubscription replaces the customer's active subscription and then
// pushes the new state to the router. The billing write is committed before
// the router is touched; router failures are reported in the response and on
// the subscription, never as a failed request.
func (s *Server) activateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := customerID(w, r)
	if !ok {
		return
	}

	var req ActivationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validation.ValidatePackageID(req.PackageID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	activation := s.now()
	if req.ActivationDate != nil {
		activation = *req.ActivationDate
	}
	if err := validation.ValidatePeriod(activation, req.ExpiryDate); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.subs.ReplaceActiveSubscription(ctx, id, req.PackageID, activation, req.ExpiryDate)
	if err != nil {
		status := storeErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Errorw("failed to activate subscription", "customer", id, "error", err)
		}
		respondError(w, status, err.Error())
		return
	}

	actor := auth.ActorID(ctx)
	log.Infow("subscription activated", "customer", id, "subscription", sub.ID, "package", req.PackageID, "actor", actor)
	s.audit.LogSubscriptionActivated(ctx, id, sub.ID, req.PackageID, actor)

	res, err := s.provisioner.AfterCommit(ctx, id)
	if err != nil {
		log.Warnw("post-commit reconciliation failed", "customer", id, "error", err)
	}

	respondJSON(w, http.StatusCreated, ActivationResponse{
		Subscription:   sub,
		Reconciliation: NewReconciliationResponse(res, err),
	})
}

// reconcileCustomer re-applies a customer's desired state on demand.
func (s *Server) reconcileCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}

	res, err := s.provisioner.AfterCommit(r.Context(), id)
	if err != nil {
		if status := storeErrorStatus(err); status != http.StatusInternalServerError {
			respondError(w, status, err.Error())
			return
		}
		log.Errorw("reconciliation failed", "customer", id, "error", err)
	}

	respondJSON(w, http.StatusOK, NewReconciliationResponse(res, err))
}

// reconciliationResponse is the recorded reconciliation state of a customer.
type reconciliationResponse struct {
	CustomerID           int64                      `json:"customer_id"`
	SubscriptionID       int64                      `json:"subscription_id"`
	SubscriptionStatus   store.SubscriptionStatus   `json:"subscription_status"`
	ExpiryDate           time.Time                  `json:"expiry_date"`
	ReconciliationStatus store.ReconciliationStatus `json:"reconciliation_status,omitempty"`
	ReconciliationDetail string                     `json:"reconciliation_detail,omitempty"`
	ReconciledAt         *time.Time                 `json:"reconciled_at,omitempty"`
}

// getReconciliation returns the reconciliation status recorded on the
// customer's latest subscription.
func (s *Server) getReconciliation(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}

	sub, err := s.subs.LatestSubscription(r.Context(), id)
	if err != nil {
		respondError(w, storeErrorStatus(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, reconciliationResponse{
		CustomerID:           id,
		SubscriptionID:       sub.ID,
		SubscriptionStatus:   sub.Status,
		ExpiryDate:           sub.ExpiryDate,
		ReconciliationStatus: sub.ReconciliationStatus,
		ReconciliationDetail: sub.ReconciliationDetail,
		ReconciledAt:         sub.ReconciledAt,
	})
}
