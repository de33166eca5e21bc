// Package audit implements the append-only, hash-chained ledger of operator
// and system actions.
//
// Every entry commits to its predecessor:
//
//	hash = H(prev_hash ∥ actor ∥ action ∥ target ∥ H(payload))
//
// so rewriting any historical entry breaks every later link.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
)

var (
	ErrChainBroken   = errors.New("audit: hash chain is broken")
	ErrInvalidRecord = errors.New("audit: invalid record")
)

// Record is an action to be appended.
type Record struct {
	Actor   string
	Action  string
	Target  string
	Payload interface{}
}

// Entry is a persisted, chained audit entry.
type Entry struct {
	ID          int64           `json:"id"`
	TS          time.Time       `json:"ts"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// Appender appends records to the chain.
type Appender interface {
	Append(ctx context.Context, rec Record) (*Entry, error)
}

// Filter narrows Entries. Zero values match everything.
type Filter struct {
	Target  string
	AfterID int64
	Limit   int
}

// Ledger is the full audit ledger contract.
type Ledger interface {
	Appender
	Entries(ctx context.Context, f Filter) ([]Entry, error)
	VerifyChain(ctx context.Context) error
}

// ChainError reports the first entry at which verification failed.
type ChainError struct {
	Index  int
	ID     int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s: entry %d (id %d): %s", ErrChainBroken, e.Index, e.ID, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// ComputeHash is the chain link function.
func ComputeHash(prevHash, actor, action, target, payloadHash string) string {
	return canonicalize.ChainHash(prevHash, actor, action, target, payloadHash)
}

// seal canonicalises the record payload and links it to prevHash.
func seal(rec Record, prevHash string, ts time.Time) (*Entry, error) {
	if rec.Actor == "" || rec.Action == "" {
		return nil, fmt.Errorf("%w: actor and action are required", ErrInvalidRecord)
	}
	body := rec.Payload
	if body == nil {
		body = struct{}{}
	}
	payload, err := canonicalize.JCS(body)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	payloadHash := canonicalize.HashBytes(payload)
	return &Entry{
		TS:          ts.UTC(),
		Actor:       rec.Actor,
		Action:      rec.Action,
		Target:      rec.Target,
		Payload:     payload,
		PayloadHash: payloadHash,
		PrevHash:    prevHash,
		Hash:        ComputeHash(prevHash, rec.Actor, rec.Action, rec.Target, payloadHash),
	}, nil
}

// Verify walks entries in order and returns a *ChainError at the first
// entry whose link, payload hash or entry hash does not check out.
func Verify(entries []Entry) error {
	prev := canonicalize.ZeroHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return &ChainError{Index: i, ID: e.ID, Reason: "prev_hash does not match predecessor"}
		}
		if canonicalize.HashBytes(e.Payload) != e.PayloadHash {
			return &ChainError{Index: i, ID: e.ID, Reason: "payload hash mismatch"}
		}
		if ComputeHash(e.PrevHash, e.Actor, e.Action, e.Target, e.PayloadHash) != e.Hash {
			return &ChainError{Index: i, ID: e.ID, Reason: "entry hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}
