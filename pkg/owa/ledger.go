// Package owa is the one-way account ledger: an append-only, hash-chained
// record of money credited to and released from each period's tax account.
package owa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

var (
	ErrInvalidAppend     = errors.New("owa: invalid append")
	ErrInsufficientFunds = errors.New("owa: insufficient funds")
	ErrChainBroken       = errors.New("owa: chain broken")
)

// Status reports whether an append wrote a new row.
type Status string

const (
	StatusAppended  Status = "APPENDED"
	StatusDuplicate Status = "DUPLICATE"
)

// Row is one ledger movement. Positive amounts are deposits, negative
// amounts are releases.
type Row struct {
	ID                int64               `json:"id"`
	Key               contracts.PeriodKey `json:"key"`
	TransferUUID      string              `json:"transfer_uuid"`
	AmountCents       int64               `json:"amount_cents"`
	BalanceAfterCents int64               `json:"balance_after_cents"`
	BankReceiptHash   string              `json:"bank_receipt_hash"`
	PrevHash          string              `json:"prev_hash"`
	HashAfter         string              `json:"hash_after"`
	IdempotencyKey    string              `json:"idempotency_key"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Entry is an append request.
type Entry struct {
	Key             contracts.PeriodKey
	TransferUUID    string
	AmountCents     int64
	BankReceiptHash string
	IdempotencyKey  string
	Actor           string
}

type Result struct {
	Row    Row    `json:"row"`
	Status Status `json:"status"`
}

// Head is the tail of one partition.
type Head struct {
	LastID       int64  `json:"last_id"`
	BalanceCents int64  `json:"balance_cents"`
	Hash         string `json:"hash"`
}

// ChainError pinpoints the first row that fails verification.
type ChainError struct {
	Index  int
	ID     int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s at index %d (id %d): %s", ErrChainBroken, e.Index, e.ID, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// HashAfter chains a row onto its predecessor.
func HashAfter(prevHash, bankReceiptHash string, balanceAfterCents int64) string {
	return canonicalize.ChainHash(prevHash, bankReceiptHash, canonicalize.FormatInt(balanceAfterCents))
}

// TxAppender appends audit entries inside an existing transaction.
type TxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, rec audit.Record) (*audit.Entry, error)
}

// Ledger is the SQL-backed OWA ledger. The partition tail lives in
// owa_heads and is read under a row lock by every append.
type Ledger struct {
	db     *store.DB
	audit  TxAppender
	clock  func() time.Time
	logger *slog.Logger
}

func NewLedger(db *store.DB, a TxAppender) *Ledger {
	return &Ledger{
		db:     db,
		audit:  a,
		clock:  time.Now,
		logger: slog.Default().With("component", "owa"),
	}
}

// WithClock overrides the time source (for testing).
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append writes e to its partition. A repeated idempotency key returns the
// original row with StatusDuplicate and writes nothing. A release that
// would take the balance below zero fails with ErrInsufficientFunds.
func (l *Ledger) Append(ctx context.Context, e Entry) (*Result, error) {
	if err := e.Key.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidAppend)
	}
	if e.AmountCents == 0 {
		return nil, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAppend)
	}
	if e.BankReceiptHash == "" {
		return nil, fmt.Errorf("%w: bank receipt hash is required", ErrInvalidAppend)
	}

	var out *Result
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := l.lockHead(ctx, tx, e.Key)
		if err != nil {
			return err
		}

		prior, err := l.byIdempotencyKey(ctx, tx, e.Key, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil {
			out = &Result{Row: *prior, Status: StatusDuplicate}
			return nil
		}

		balance := head.BalanceCents + e.AmountCents
		if balance < 0 {
			return fmt.Errorf("%w: balance %d, release %d", ErrInsufficientFunds, head.BalanceCents, -e.AmountCents)
		}
		row := Row{
			Key:               e.Key,
			TransferUUID:      e.TransferUUID,
			AmountCents:       e.AmountCents,
			BalanceAfterCents: balance,
			BankReceiptHash:   e.BankReceiptHash,
			PrevHash:          head.Hash,
			HashAfter:         HashAfter(head.Hash, e.BankReceiptHash, balance),
			IdempotencyKey:    e.IdempotencyKey,
			CreatedAt:         l.clock().UTC(),
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO owa_ledger (abn, tax_type, period_id, transfer_uuid, amount_cents, balance_after_cents,
				bank_receipt_hash, prev_hash, hash_after, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			e.Key.ABN, string(e.Key.TaxType), e.Key.PeriodID, row.TransferUUID, row.AmountCents, row.BalanceAfterCents,
			row.BankReceiptHash, row.PrevHash, row.HashAfter, row.IdempotencyKey, store.Micros(row.CreatedAt),
		).Scan(&row.ID)
		if err != nil {
			return fmt.Errorf("owa: insert row: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE owa_heads SET last_id = $1, balance_cents = $2, hash = $3
			WHERE abn = $4 AND tax_type = $5 AND period_id = $6`,
			row.ID, row.BalanceAfterCents, row.HashAfter, e.Key.ABN, string(e.Key.TaxType), e.Key.PeriodID,
		); err != nil {
			return fmt.Errorf("owa: advance head: %w", err)
		}

		action := "owa.deposit"
		if e.AmountCents < 0 {
			action = "owa.release"
		}
		if _, err := l.audit.AppendTx(ctx, tx, audit.Record{
			Actor:  e.Actor,
			Action: action,
			Target: e.Key.String(),
			Payload: map[string]interface{}{
				"owa_row_id":          row.ID,
				"transfer_uuid":       row.TransferUUID,
				"amount_cents":        row.AmountCents,
				"balance_after_cents": row.BalanceAfterCents,
				"hash_after":          row.HashAfter,
				"idempotency_key":     row.IdempotencyKey,
			},
		}); err != nil {
			return err
		}
		out = &Result{Row: row, Status: StatusAppended}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status == StatusDuplicate {
		l.logger.InfoContext(ctx, "duplicate append", "period", e.Key.String(), "idempotency_key", e.IdempotencyKey)
	}
	return out, nil
}

// lockHead seeds the partition head if needed and reads it under a row lock.
func (l *Ledger) lockHead(ctx context.Context, tx *sql.Tx, key contracts.PeriodKey) (Head, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO owa_heads (abn, tax_type, period_id, last_id, balance_cents, hash)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (abn, tax_type, period_id) DO NOTHING`,
		key.ABN, string(key.TaxType), key.PeriodID, canonicalize.ZeroHash,
	); err != nil {
		return Head{}, fmt.Errorf("owa: seed head: %w", err)
	}
	var h Head
	err := tx.QueryRowContext(ctx,
		"SELECT last_id, balance_cents, hash FROM owa_heads WHERE abn = $1 AND tax_type = $2 AND period_id = $3"+l.db.Dialect.ForUpdate(),
		key.ABN, string(key.TaxType), key.PeriodID,
	).Scan(&h.LastID, &h.BalanceCents, &h.Hash)
	if err != nil {
		return Head{}, fmt.Errorf("owa: read head: %w", err)
	}
	return h, nil
}

const selectRows = `SELECT id, abn, tax_type, period_id, transfer_uuid, amount_cents, balance_after_cents,
	bank_receipt_hash, prev_hash, hash_after, idempotency_key, created_at FROM owa_ledger`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Lookup returns the row appended under idem, or nil if there is none.
func (l *Ledger) Lookup(ctx context.Context, key contracts.PeriodKey, idem string) (*Row, error) {
	return l.byIdempotencyKey(ctx, l.db, key, idem)
}

func (l *Ledger) byIdempotencyKey(ctx context.Context, q rowQuerier, key contracts.PeriodKey, idem string) (*Row, error) {
	row := q.QueryRowContext(ctx, selectRows+` WHERE abn = $1 AND tax_type = $2 AND period_id = $3 AND idempotency_key = $4`,
		key.ABN, string(key.TaxType), key.PeriodID, idem)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("owa: idempotency lookup: %w", err)
	}
	return r, nil
}

// Head returns the partition tail. An untouched partition has a zero
// balance and the zero hash.
func (l *Ledger) Head(ctx context.Context, key contracts.PeriodKey) (Head, error) {
	var h Head
	err := l.db.QueryRowContext(ctx,
		"SELECT last_id, balance_cents, hash FROM owa_heads WHERE abn = $1 AND tax_type = $2 AND period_id = $3",
		key.ABN, string(key.TaxType), key.PeriodID,
	).Scan(&h.LastID, &h.BalanceCents, &h.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{Hash: canonicalize.ZeroHash}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("owa: read head: %w", err)
	}
	return h, nil
}

// Balance returns the partition's current balance in cents.
func (l *Ledger) Balance(ctx context.Context, key contracts.PeriodKey) (int64, error) {
	h, err := l.Head(ctx, key)
	return h.BalanceCents, err
}

// Rows returns the partition in id order.
func (l *Ledger) Rows(ctx context.Context, key contracts.PeriodKey) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx, selectRows+` WHERE abn = $1 AND tax_type = $2 AND period_id = $3 ORDER BY id ASC`,
		key.ABN, string(key.TaxType), key.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("owa: query rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("owa: scan row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Verify recomputes the balance and hash chain of a partition and checks
// that the head agrees with the last row.
func (l *Ledger) Verify(ctx context.Context, key contracts.PeriodKey) error {
	rows, err := l.Rows(ctx, key)
	if err != nil {
		return err
	}
	if err := VerifyRows(rows); err != nil {
		return err
	}
	head, err := l.Head(ctx, key)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		if head.LastID != 0 {
			return &ChainError{Index: 0, ID: head.LastID, Reason: "head points at missing row"}
		}
		return nil
	}
	last := rows[len(rows)-1]
	if head.LastID != last.ID || head.Hash != last.HashAfter || head.BalanceCents != last.BalanceAfterCents {
		return &ChainError{Index: len(rows) - 1, ID: last.ID, Reason: "head does not match last row"}
	}
	return nil
}

// VerifyRows checks balance continuity and hash links over rows of one
// partition in id order.
func VerifyRows(rows []Row) error {
	prevHash := canonicalize.ZeroHash
	var balance int64
	for i, r := range rows {
		if r.PrevHash != prevHash {
			return &ChainError{Index: i, ID: r.ID, Reason: "prev_hash does not match predecessor"}
		}
		if r.BalanceAfterCents != balance+r.AmountCents {
			return &ChainError{Index: i, ID: r.ID, Reason: "balance does not follow predecessor"}
		}
		if HashAfter(r.PrevHash, r.BankReceiptHash, r.BalanceAfterCents) != r.HashAfter {
			return &ChainError{Index: i, ID: r.ID, Reason: "hash_after mismatch"}
		}
		prevHash = r.HashAfter
		balance = r.BalanceAfterCents
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(s scanner) (*Row, error) {
	var (
		r       Row
		taxType string
		created int64
	)
	if err := s.Scan(&r.ID, &r.Key.ABN, &taxType, &r.Key.PeriodID, &r.TransferUUID, &r.AmountCents, &r.BalanceAfterCents,
		&r.BankReceiptHash, &r.PrevHash, &r.HashAfter, &r.IdempotencyKey, &created); err != nil {
		return nil, err
	}
	r.Key.TaxType = contracts.TaxType(taxType)
	r.CreatedAt = store.FromMicros(created)
	return &r, nil
}
