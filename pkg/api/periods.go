package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/recon"
)

func periodKey(abn, taxType, periodID string) (contracts.PeriodKey, error) {
	tt, err := contracts.ParseTaxType(taxType)
	if err != nil {
		return contracts.PeriodKey{}, err
	}
	key := contracts.PeriodKey{ABN: abn, TaxType: tt, PeriodID: periodID}
	return key, key.Validate()
}

func routeKey(r *http.Request) (contracts.PeriodKey, error) {
	return periodKey(chi.URLParam(r, "abn"), chi.URLParam(r, "taxType"), chi.URLParam(r, "periodId"))
}

func subject(r *http.Request) string {
	if p := ProfileFrom(r.Context()); p != nil {
		return p.Subject
	}
	return ""
}

func (s *Server) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := s.Service.Periods(r.Context(), r.URL.Query().Get("abn"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if periods == nil {
		periods = []gate.Period{}
	}
	writeJSON(w, http.StatusOK, periods)
}

func (s *Server) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	p, err := s.Service.Period(r.Context(), key)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type depositRequest struct {
	AmountCents int64  `json:"amountCents"`
	Reference   string `json:"reference"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Reference == "" {
		WriteError(w, r, fmt.Errorf("%w: reference is required", errBadRequest))
		return
	}
	res, err := s.Service.Deposit(r.Context(), key, req.AmountCents, req.Reference, subject(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Status == owa.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// periodAction adapts a lifecycle call that only needs the key and actor.
func (s *Server) periodAction(fn func(r *http.Request, key contracts.PeriodKey, actor string) (*gate.Period, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := routeKey(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		p, err := fn(r, key, subject(r))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.periodAction(func(r *http.Request, key contracts.PeriodKey, actor string) (*gate.Period, error) {
		return s.Service.Close(r.Context(), key, actor)
	})(w, r)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.periodAction(func(r *http.Request, key contracts.PeriodKey, actor string) (*gate.Period, error) {
		return s.Service.Retry(r.Context(), key, actor)
	})(w, r)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.periodAction(func(r *http.Request, key contracts.PeriodKey, actor string) (*gate.Period, error) {
		return s.Service.Finalize(r.Context(), key, actor)
	})(w, r)
}

type remediateRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req remediateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	s.periodAction(func(r *http.Request, key contracts.PeriodKey, actor string) (*gate.Period, error) {
		return s.Service.Remediate(r.Context(), key, actor, req.Note)
	})(w, r)
}

type overrideRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Reason == "" {
		WriteError(w, r, fmt.Errorf("%w: reason is required", errBadRequest))
		return
	}
	s.periodAction(func(r *http.Request, key contracts.PeriodKey, actor string) (*gate.Period, error) {
		return s.Service.Override(r.Context(), key, actor, req.Approver, req.Reason)
	})(w, r)
}

type reconcileRequest struct {
	Ledger *recon.LedgerSnapshot `json:"ledger,omitempty"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	out, err := s.Service.Reconcile(r.Context(), key, req.Ledger, subject(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type issueRequest struct {
	Rail      string `json:"rail"`
	Reference string `json:"reference"`
}

func (s *Server) handleIssueRPT(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Rail == "" || req.Reference == "" {
		WriteError(w, r, fmt.Errorf("%w: rail and reference are required", errBadRequest))
		return
	}
	tok, err := s.Service.IssueRPT(r.Context(), key, req.Rail, req.Reference, subject(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}
