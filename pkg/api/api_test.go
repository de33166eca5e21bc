package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/approval"
	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/evidence"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/identity"
	"github.com/Mindburn-Labs/remit/pkg/ingest"
	"github.com/Mindburn-Labs/remit/pkg/kms"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/registry"
	"github.com/Mindburn-Labs/remit/pkg/rpt"
	"github.com/Mindburn-Labs/remit/pkg/settlement"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

const (
	secret  = "feed-secret"
	stpFeed = `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":120000,"w2":36000}`
	posFeed = `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","g1":120000,"g10":30000,"g11":90000,"taxCollected":36000}`
	period  = "/api/periods/12345678901/PAYGW/2025-09"
)

type env struct {
	srv *httptest.Server
	reg *registry.Registry
	idp *identity.Issuer
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	idp, err := identity.NewIssuer("idp-1", priv)
	require.NoError(t, err)

	reg, err := registry.New(ctx, registry.Config{
		Store:    store.Config{Driver: "sqlite", DSN: ":memory:"},
		KMS:      registry.KMSConfig{Bootstrap: true, GracePeriod: time.Hour},
		Bank:     registry.BankConfig{AllowList: []ports.Destination{{ABN: "12345678901", Rail: "EFT", Reference: "PRN-1"}}},
		Identity: registry.IdentityConfig{Keys: map[string]ed25519.PublicKey{"idp-1": pub}},
		Evidence: evidence.Config{Sink: evidence.SinkFile, Dir: t.TempDir()},

		RPTGraceWindow:         time.Hour,
		ApprovalThresholdCents: 10_000,
		ApprovalTTL:            approval.DefaultTTL,
		MFAMaxAge:              15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	if opts.IngestSecret == nil {
		opts.IngestSecret = []byte(secret)
	}
	s := NewServer(Deps{
		Service:  reg.Service,
		Identity: reg.Identity,
		Rotator:  reg.Rotator,
		Keys:     reg.Keys,
		DLQ:      reg.DLQ,
		Ping:     reg.DB.PingContext,
	}, opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, reg: reg, idp: idp}
}

func (e *env) token(t *testing.T, subject string, mfa bool, roles ...string) string {
	t.Helper()
	tok, err := e.idp.Issue(subject, roles, mfa, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, bearer string, body interface{}, headers ...string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *env) ingest(t *testing.T, kind, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/ingest/"+kind, "", body,
		ingest.SignatureHeader, ingest.Sign([]byte(secret), []byte(body)))
}

// ready drives the period to READY_RPT with a funded account and returns
// the issued token.
func (e *env) ready(t *testing.T) *rpt.Token {
	t.Helper()
	ops := e.token(t, "olivia", true, RoleOps)
	treasury := e.token(t, "tom", true, RoleTreasury)

	resp, _ := e.ingest(t, "stp", stpFeed)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = e.ingest(t, "pos", posFeed)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, period+"/close", ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := e.do(t, http.MethodPost, period+"/reconcile", ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(gate.StateReadyRPT), body["period"].(map[string]interface{})["state"])

	resp, _ = e.do(t, http.MethodPost, period+"/deposit", treasury, map[string]interface{}{"amountCents": 50_000, "reference": "dep-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, period+"/deposit", treasury, map[string]interface{}{"amountCents": 50_000, "reference": "dep-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, period+"/rpt", ops, map[string]string{"rail": "EFT", "reference": "PRN-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var tok rpt.Token
	require.NoError(t, json.Unmarshal(raw, &tok))
	return &tok
}

func TestHealth(t *testing.T) {
	e := newEnv(t, Options{})
	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, e.reg.Keys.ActiveKID(), body["active_kid"])
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestIngest_Signatures(t *testing.T) {
	e := newEnv(t, Options{})

	resp, body := e.ingest(t, "stp", stpFeed)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["duplicate"])

	resp, body = e.ingest(t, "stp", stpFeed)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])

	resp, body = e.do(t, http.MethodPost, "/api/ingest/stp", "", stpFeed, ingest.SignatureHeader, ingest.Sign([]byte("wrong"), []byte(stpFeed)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "BAD_SIGNATURE", body["code"])

	resp, body = e.do(t, http.MethodPost, "/api/ingest/stp", "", stpFeed)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "BAD_SIGNATURE", body["code"])

	resp, body = e.ingest(t, "stp", `{"abn":"123"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_FEED", body["code"])

	resp, body = e.ingest(t, "bas", stpFeed)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_FEED_KIND", body["code"])
}

func TestPayATO_DualApprovalFlow(t *testing.T) {
	e := newEnv(t, Options{})
	tok := e.ready(t)
	alice := e.token(t, "alice", true, RoleTreasury)
	bob := e.token(t, "bob", true, RoleTreasury)

	resp, body := e.do(t, http.MethodPost, "/payAto", alice, map[string]interface{}{"rpt": tok})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["pending"])
	assert.NotEmpty(t, body["approvalToken"])

	resp, body = e.do(t, http.MethodPost, "/payAto", alice, map[string]interface{}{"rpt": tok})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "SECOND_APPROVER_REQUIRED", body["code"])

	resp, body = e.do(t, http.MethodPost, "/payAto", bob, map[string]interface{}{"rpt": tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["pending"])
	assert.Equal(t, string(gate.StateReleased), body["period"].(map[string]interface{})["state"])

	// The nonce is spent and the period has moved on.
	resp, body = e.do(t, http.MethodPost, "/payAto", alice, map[string]interface{}{"rpt": tok})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "PERIOD_LOCKED", body["code"])

	ops := e.token(t, "olivia", true, RoleOps)
	resp, body = e.do(t, http.MethodPost, period+"/finalize", ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(gate.StateFinalized), body["state"])
}

func TestPayATO_Rejections(t *testing.T) {
	e := newEnv(t, Options{})
	tok := e.ready(t)

	noMFA := e.token(t, "carol", false, RoleTreasury)
	resp, body := e.do(t, http.MethodPost, "/payAto", noMFA, map[string]interface{}{"rpt": tok})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "MFA_REQUIRED", body["code"])

	alice := e.token(t, "alice", true, RoleTreasury)
	tampered := *tok
	tampered.Payload.AmountCents = 1
	resp, body = e.do(t, http.MethodPost, "/payAto", alice, map[string]interface{}{"rpt": tampered})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(rpt.CodeInvalidSignature), body["code"])

	resp, body = e.do(t, http.MethodPost, "/payAto", alice, `{"rpt":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["code"])

	resp, body = e.do(t, http.MethodPost, "/payAto", alice, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["code"])

	resp, body = e.do(t, http.MethodPost, "/payAto", "", map[string]interface{}{"rpt": tok})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	ops := e.token(t, "olivia", true, RoleOps)
	resp, body = e.do(t, http.MethodPost, "/payAto", ops, map[string]interface{}{"rpt": tok})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_ROLE", body["code"])

	resp, body = e.do(t, http.MethodGet, "/api/periods/12345678901/PAYGW/2025-09", ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(gate.StateReadyRPT), body["state"])
}

func TestPeriods_RolesAndErrors(t *testing.T) {
	e := newEnv(t, Options{})
	ops := e.token(t, "olivia", true, RoleOps)
	treasury := e.token(t, "tom", true, RoleTreasury)

	resp, body := e.do(t, http.MethodGet, period, ops, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, body = e.do(t, http.MethodGet, "/api/periods/12345678901/VAT/2025-09", ops, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PERIOD_KEY", body["code"])

	resp, _ = e.ingest(t, "stp", stpFeed)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, period+"/reconcile", ops, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", body["code"])

	resp, body = e.do(t, http.MethodPost, period+"/close", treasury, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_ROLE", body["code"])

	resp, body = e.do(t, http.MethodPost, period+"/deposit", treasury, map[string]interface{}{"amountCents": -5, "reference": "r"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_AMOUNT", body["code"])

	resp, _ = e.do(t, http.MethodGet, period, treasury, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/periods/?abn=12345678901", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ops)
	list, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer list.Body.Close()
	var periods []gate.Period
	require.NoError(t, json.NewDecoder(list.Body).Decode(&periods))
	require.Len(t, periods, 1)
	assert.Equal(t, gate.StateOpen, periods[0].State)
}

func TestRotate_DualControl(t *testing.T) {
	e := newEnv(t, Options{})
	olivia := e.token(t, "olivia", true, RoleOps)
	oscar := e.token(t, "oscar", true, RoleOps)
	stale := e.token(t, "oscar", false, RoleOps)
	stage := map[string]string{"stage": "prepare"}

	resp, body := e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, stage)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["code"])

	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, stage,
		ActorHeader, "mallory", ApproverHeader, "oscar", MFAHeader, oscar)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ACTOR_MISMATCH", body["code"])

	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, stage,
		ActorHeader, "olivia", ApproverHeader, "olivia", MFAHeader, olivia)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DUAL_CONTROL", body["code"])

	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, stage,
		ActorHeader, "olivia", ApproverHeader, "oscar", MFAHeader, stale)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "MFA_REQUIRED", body["code"])

	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, stage,
		ActorHeader, "olivia", ApproverHeader, "oscar", MFAHeader, olivia)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "MFA_REQUIRED", body["code"])

	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, map[string]string{"stage": "shred"},
		ActorHeader, "olivia", ApproverHeader, "oscar", MFAHeader, oscar)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_STAGE", body["code"])

	oldKID := e.reg.Keys.ActiveKID()
	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, stage,
		ActorHeader, "olivia", ApproverHeader, "oscar", MFAHeader, oscar)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newKID, _ := body["kid"].(string)
	require.NotEmpty(t, newKID)

	resp, body = e.do(t, http.MethodPost, "/api/ops/crypto/rotate", olivia, map[string]string{"stage": "cutover", "kid": newKID},
		ActorHeader, "olivia", ApproverHeader, "oscar", MFAHeader, oscar)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, oldKID, body["previous_kid"])
	assert.Equal(t, newKID, e.reg.Keys.ActiveKID())

	resp, body = e.do(t, http.MethodGet, "/api/ops/crypto/keys", olivia, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, newKID, body["active_kid"])
	assert.Len(t, body["keys"], 2)

	entries, err := e.reg.Audit.Entries(context.Background(), audit.Filter{Target: newKID})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestProofsAndAudit(t *testing.T) {
	e := newEnv(t, Options{})
	e.ready(t)
	ops := e.token(t, "olivia", true, RoleOps)

	resp, body := e.do(t, http.MethodGet, "/api/ops/compliance/proofs?abn=12345678901&taxType=PAYGW&periodId=2025-09", ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var proof evidence.Proof
	require.NoError(t, json.Unmarshal(raw, &proof))
	info, ok := e.reg.Keys.Lookup(proof.KID)
	require.True(t, ok)
	assert.NoError(t, evidence.VerifyProof(&proof, info.PublicKey))

	resp, body = e.do(t, http.MethodGet, "/api/ops/compliance/proofs?abn=12345678901&taxType=PAYGW", ops, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PERIOD_KEY", body["code"])

	resp, body = e.do(t, http.MethodGet, "/api/ops/audit/verify", ops, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	treasury := e.token(t, "tom", true, RoleTreasury)
	resp, body = e.do(t, http.MethodGet, "/api/ops/audit/verify", treasury, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_ROLE", body["code"])
}

func TestDLQ_ListAndReplayEmpty(t *testing.T) {
	e := newEnv(t, Options{})
	ops := e.token(t, "olivia", true, RoleOps)

	resp, _ := e.do(t, http.MethodGet, "/api/ops/dlq", ops, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/ops/dlq/replay", ops, map[string][]string{"ids": {"missing"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcomes, _ := body["outcomes"].([]interface{})
	require.Len(t, outcomes, 1)
}

func TestRateLimiter(t *testing.T) {
	e := newEnv(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})
	resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", settlement.ErrQueued), http.StatusAccepted, "QUEUED"},
		{ingest.ErrBadSignature, http.StatusUnauthorized, "BAD_SIGNATURE"},
		{approval.ErrMFARequired, http.StatusForbidden, "MFA_REQUIRED"},
		{approval.ErrSecondApproverRequired, http.StatusForbidden, "SECOND_APPROVER_REQUIRED"},
		{&rpt.VerifyError{Code: rpt.CodeExpired}, http.StatusForbidden, string(rpt.CodeExpired)},
		{fmt.Errorf("x: %w", &rpt.VerifyError{Code: rpt.CodeUnknownKid}), http.StatusForbidden, string(rpt.CodeUnknownKid)},
		{&gate.TransitionError{From: gate.StateOpen, Event: gate.EventRelease}, http.StatusConflict, "INVALID_TRANSITION"},
		{kms.ErrUnknownKid, http.StatusNotFound, "UNKNOWN_KID"},
		{ports.ErrBankUnavailable, http.StatusBadGateway, "BANK_UNAVAILABLE"},
		{audit.ErrChainBroken, http.StatusInternalServerError, "CHAIN_BROKEN"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			status, code := Classify(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	WriteError(rec, req, errors.New("dsn=postgres://secret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "INTERNAL", p.Code)
	assert.NotContains(t, p.Detail, "secret")
}
