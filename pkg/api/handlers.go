package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/remit/pkg/ingest"
	"github.com/Mindburn-Labs/remit/pkg/rpt"
	"github.com/Mindburn-Labs/remit/pkg/settlement"
)

// IdempotencyHeader is accepted on /payAto in place of the body field.
const IdempotencyHeader = "Idempotency-Key"

type payRequest struct {
	RPT            *rpt.Token `json:"rpt"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// handlePayATO releases a period's liability under a signed RPT.
//
//	200 released
//	202 first approval recorded, body carries approvalToken
//	403 MFA_REQUIRED, SECOND_APPROVER_REQUIRED or a token verification code
//	400 malformed request
func (s *Server) handlePayATO(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.RPT == nil {
		WriteError(w, r, fmt.Errorf("%w: rpt is required", errBadRequest))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}

	prof := ProfileFrom(r.Context())
	res, err := s.Service.Release(r.Context(), settlement.ReleaseRequest{
		Token:          req.RPT,
		Profile:        prof,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if res.Pending {
		// The first approver asking again gets nothing new.
		if !res.Opened && res.FirstApprover == prof.Subject {
			WriteProblem(w, r, http.StatusForbidden, "SECOND_APPROVER_REQUIRED",
				"release is awaiting approval by a different user")
			return
		}
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIngest accepts a signed STP or POS feed. Feeds that fail for a
// transient reason are queued and still answered with 202.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	kind, err := ingest.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := ingest.VerifySignature(s.opts.IngestSecret, body, r.Header.Get(ingest.SignatureHeader)); err != nil {
		s.logger.WarnContext(r.Context(), "ingest signature rejected", "kind", kind, "remote", r.RemoteAddr)
		WriteError(w, r, err)
		return
	}

	res, err := s.Service.Ingest(r.Context(), kind, body, "feed:"+string(kind))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}
