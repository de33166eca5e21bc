package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/store"
)

// SQLLedger persists the chain in audit_log. The chain tail lives in the
// single audit_head row, which every append reads under a row lock.
type SQLLedger struct {
	db     *store.DB
	clock  func() time.Time
	logger *slog.Logger
}

func NewSQLLedger(db *store.DB) *SQLLedger {
	return &SQLLedger{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the time source (for testing).
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

// Append appends rec in its own transaction.
func (l *SQLLedger) Append(ctx context.Context, rec Record) (*Entry, error) {
	var out *Entry
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := l.AppendTx(ctx, tx, rec)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendTx appends rec inside the caller's transaction, so the entry
// commits or rolls back together with the caller's own writes.
func (l *SQLLedger) AppendTx(ctx context.Context, tx *sql.Tx, rec Record) (*Entry, error) {
	var lastID int64
	var prevHash string
	err := tx.QueryRowContext(ctx,
		"SELECT last_id, hash FROM audit_head WHERE id = 1"+l.db.Dialect.ForUpdate(),
	).Scan(&lastID, &prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit: head row missing, run migrations")
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read tail: %w", err)
	}

	e, err := seal(rec, prevHash, l.clock())
	if err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (ts, actor, action, target, payload, payload_hash, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		store.Micros(e.TS), e.Actor, e.Action, e.Target, string(e.Payload), e.PayloadHash, e.PrevHash, e.Hash,
	).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("audit: insert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE audit_head SET last_id = $1, hash = $2 WHERE id = 1", e.ID, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("audit: advance head: %w", err)
	}
	return e, nil
}

const selectEntries = `SELECT id, ts, actor, action, target, payload, payload_hash, prev_hash, hash FROM audit_log`

func (l *SQLLedger) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Target != "" {
		args = append(args, f.Target)
		where = append(where, fmt.Sprintf("target = $%d", len(args)))
	}
	if f.AfterID > 0 {
		args = append(args, f.AfterID)
		where = append(where, fmt.Sprintf("id > $%d", len(args)))
	}
	query := selectEntries
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &payload, &e.PayloadHash, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.TS = store.FromMicros(ts)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain walks the whole log and also checks that the head row points
// at the last entry, which catches a truncated tail.
func (l *SQLLedger) VerifyChain(ctx context.Context) error {
	entries, err := l.Entries(ctx, Filter{})
	if err != nil {
		return err
	}
	if err := Verify(entries); err != nil {
		l.logger.ErrorContext(ctx, "audit chain verification failed", "error", err)
		return err
	}

	var lastID int64
	var headHash string
	if err := l.db.QueryRowContext(ctx, "SELECT last_id, hash FROM audit_head WHERE id = 1").Scan(&lastID, &headHash); err != nil {
		return fmt.Errorf("audit: read head: %w", err)
	}
	var tailID int64
	tailHash := ""
	if n := len(entries); n > 0 {
		tailID, tailHash = entries[n-1].ID, entries[n-1].Hash
	}
	if n := len(entries); n > 0 && (lastID != tailID || headHash != tailHash) {
		return &ChainError{Index: n, ID: lastID, Reason: "head does not match last entry"}
	}
	if len(entries) == 0 && lastID != 0 {
		return &ChainError{Index: 0, ID: lastID, Reason: "head points at missing entries"}
	}
	return nil
}
