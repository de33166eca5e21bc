package api

import (
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/remit/pkg/approval"
	"github.com/Mindburn-Labs/remit/pkg/dlq"
	"github.com/Mindburn-Labs/remit/pkg/kms"
)

// Rotation ceremony headers. The bearer token authenticates the actor; the
// approver proves presence with a fresh MFA-verified token of their own.
const (
	ActorHeader    = "X-Actor"
	ApproverHeader = "X-Approver"
	MFAHeader      = "X-MFA-Token"
)

type rotateRequest struct {
	Stage string `json:"stage"`
	KID   string `json:"kid,omitempty"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	stage, err := kms.ParseStage(req.Stage)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	actor := r.Header.Get(ActorHeader)
	approver := r.Header.Get(ApproverHeader)
	if actor == "" || approver == "" {
		WriteError(w, r, fmt.Errorf("%w: %s and %s headers are required", errBadRequest, ActorHeader, ApproverHeader))
		return
	}
	if actor != subject(r) {
		WriteProblem(w, r, http.StatusForbidden, "ACTOR_MISMATCH", ActorHeader+" must name the authenticated caller")
		return
	}
	if actor == approver {
		WriteError(w, r, fmt.Errorf("%w: actor and approver must differ", kms.ErrDualControl))
		return
	}

	mfa, err := s.Identity.VerifyToken(r.Context(), r.Header.Get(MFAHeader))
	if err != nil {
		WriteError(w, r, fmt.Errorf("%w: %s: %v", approval.ErrMFARequired, MFAHeader, err))
		return
	}
	if mfa.Subject != approver {
		WriteError(w, r, fmt.Errorf("%w: %s was not issued to the approver", approval.ErrMFARequired, MFAHeader))
		return
	}
	if err := s.Service.StepUp.Check(mfa, s.clock()); err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := s.Rotator.Rotate(r.Context(), kms.RotationRequest{
		Stage:    stage,
		Actor:    actor,
		Approver: approver,
		KID:      req.KID,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Keys.PublicKeys(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_kid": s.Keys.ActiveKID(),
		"keys":       keys,
	})
}

// handleProofs returns the signed evidence bundle of one period, selected
// by the abn, taxType and periodId query parameters.
func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := periodKey(q.Get("abn"), q.Get("taxType"), q.Get("periodId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	proof, err := s.Service.Proofs(r.Context(), key)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.VerifyAudit(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	items, err := s.DLQ.List(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type replayRequest struct {
	IDs []string `json:"ids"`
}

// handleDLQReplay replays the named items, or every due item when no ids
// are given. Items not yet due are reported SKIPPED.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	var (
		outcomes []dlq.Outcome
		err      error
	)
	if len(req.IDs) == 0 {
		outcomes, err = s.DLQ.ReplayDue(r.Context())
	} else {
		outcomes, err = s.DLQ.Replay(r.Context(), req.IDs)
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}
