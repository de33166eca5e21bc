// Package api is the HTTP surface: release, feed ingestion, period
// lifecycle and operator endpoints. Errors are RFC 7807 problem documents
// carrying a stable code.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/remit/pkg/approval"
	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/ingest"
	"github.com/Mindburn-Labs/remit/pkg/kms"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/rpt"
	"github.com/Mindburn-Labs/remit/pkg/settlement"
)

// ProblemDetail is an RFC 7807 problem document with a machine code.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Code + ": " + p.Detail
}

var (
	errBadRequest       = errors.New("bad request")
	errInsufficientRole = errors.New("INSUFFICIENT_ROLE")
)

type classification struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var classes = []classification{
	{settlement.ErrQueued, http.StatusAccepted, "QUEUED"},

	{ingest.ErrBadSignature, http.StatusUnauthorized, "BAD_SIGNATURE"},
	{ports.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},

	{approval.ErrMFARequired, http.StatusForbidden, "MFA_REQUIRED"},
	{approval.ErrSecondApproverRequired, http.StatusForbidden, "SECOND_APPROVER_REQUIRED"},
	{settlement.ErrDualControl, http.StatusForbidden, "DUAL_CONTROL"},
	{kms.ErrDualControl, http.StatusForbidden, "DUAL_CONTROL"},
	{errInsufficientRole, http.StatusForbidden, "INSUFFICIENT_ROLE"},
	{ports.ErrDestNotAllowListed, http.StatusForbidden, "DEST_NOT_ALLOW_LISTED"},

	{ingest.ErrInvalidFeed, http.StatusBadRequest, "INVALID_FEED"},
	{ingest.ErrUnknownKind, http.StatusBadRequest, "UNKNOWN_FEED_KIND"},
	{contracts.ErrInvalidPeriodKey, http.StatusBadRequest, "INVALID_PERIOD_KEY"},
	{rpt.ErrInvalidPayload, http.StatusBadRequest, "INVALID_RPT"},
	{owa.ErrInvalidAppend, http.StatusBadRequest, "INVALID_AMOUNT"},
	{approval.ErrInvalidRequest, http.StatusBadRequest, "INVALID_APPROVAL"},
	{kms.ErrUnknownStage, http.StatusBadRequest, "UNKNOWN_STAGE"},
	{errBadRequest, http.StatusBadRequest, "BAD_REQUEST"},

	{gate.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{kms.ErrUnknownKid, http.StatusNotFound, "UNKNOWN_KID"},

	{gate.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{gate.ErrConflict, http.StatusConflict, "CONFLICT"},
	{gate.ErrFinalized, http.StatusConflict, "PERIOD_FINALIZED"},
	{settlement.ErrPeriodLocked, http.StatusConflict, "PERIOD_LOCKED"},
	{settlement.ErrNoLiability, http.StatusConflict, "NO_LIABILITY"},
	{settlement.ErrRPTMissing, http.StatusConflict, "RPT_MISSING"},
	{settlement.ErrRPTSuperseded, http.StatusConflict, "RPT_SUPERSEDED"},
	{settlement.ErrAmountMismatch, http.StatusConflict, "AMOUNT_MISMATCH"},
	{owa.ErrInsufficientFunds, http.StatusConflict, "INSUFFICIENT_FUNDS"},
	{kms.ErrNothingToRotate, http.StatusConflict, "NOTHING_TO_ROTATE"},
	{kms.ErrKeyRetired, http.StatusConflict, "KEY_RETIRED"},
	{kms.ErrKeyNotActive, http.StatusConflict, "KEY_NOT_ACTIVE"},
	{kms.ErrInvalidKeyTransition, http.StatusConflict, "INVALID_KEY_TRANSITION"},
	{kms.ErrNoActiveKey, http.StatusConflict, "NO_ACTIVE_KEY"},

	{ports.ErrBankUnavailable, http.StatusBadGateway, "BANK_UNAVAILABLE"},

	{audit.ErrChainBroken, http.StatusInternalServerError, "CHAIN_BROKEN"},
	{owa.ErrChainBroken, http.StatusInternalServerError, "CHAIN_BROKEN"},
	{kms.ErrDrillFailed, http.StatusInternalServerError, "DRILL_FAILED"},
}

// Classify maps an error to its HTTP status and stable code. Token
// verification failures keep their own code (UNKNOWN_KID, EXPIRED, ...).
func Classify(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	var ve *rpt.VerifyError
	if errors.As(err, &ve) {
		return http.StatusForbidden, string(ve.Code)
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// WriteProblem writes a problem document for status and code.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := &ProblemDetail{
		Type:     "urn:remit:error:" + code,
		Title:    http.StatusText(status),
		Status:   status,
		Code:     code,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError classifies err and writes it. Server-side failures are logged
// and their detail is never sent to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	detail := err.Error()
	if status == http.StatusAccepted {
		writeJSON(w, status, map[string]interface{}{"queued": true, "code": code, "detail": detail})
		return
	}
	if status >= http.StatusInternalServerError && code != "CHAIN_BROKEN" {
		slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	} else if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "ledger invariant violated", "path", r.URL.Path, "error", err)
	}
	WriteProblem(w, r, status, code, detail)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
