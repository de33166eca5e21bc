package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/recon"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

// Store persists accepted feeds. A feed whose canonical digest was already
// accepted for the same period and kind is ignored.
type Store struct {
	db *store.DB
}

func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Save records f. It reports false when f is a duplicate.
func (s *Store) Save(ctx context.Context, f *Feed, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (abn, tax_type, period_id, kind, payload, digest, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (abn, tax_type, period_id, kind, digest) DO NOTHING`,
		f.Key.ABN, string(f.Key.TaxType), f.Key.PeriodID, string(f.Kind), string(f.Raw), f.Digest, store.Micros(receivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("ingest: save feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ingest: rows affected: %w", err)
	}
	return n == 1, nil
}

// Snapshot is the aggregate of every feed accepted for a period.
type Snapshot struct {
	Payroll *recon.PayrollSnapshot `json:"payroll,omitempty"`
	Pos     *recon.PosSnapshot     `json:"pos,omitempty"`
	Digests []string               `json:"digests"`
}

// Snapshot sums the period's feeds per kind in arrival order. A kind with
// no feeds is nil.
func (s *Store) Snapshot(ctx context.Context, key contracts.PeriodKey) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload, digest FROM feeds WHERE abn = $1 AND tax_type = $2 AND period_id = $3 ORDER BY id ASC`,
		key.ABN, string(key.TaxType), key.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("ingest: query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := &Snapshot{Digests: []string{}}
	for rows.Next() {
		var kind, payload, digest string
		if err := rows.Scan(&kind, &payload, &digest); err != nil {
			return nil, fmt.Errorf("ingest: scan feed: %w", err)
		}
		snap.Digests = append(snap.Digests, digest)
		switch Kind(kind) {
		case KindSTP:
			var b stpBody
			if err := json.Unmarshal([]byte(payload), &b); err != nil {
				return nil, fmt.Errorf("ingest: decode stored feed: %w", err)
			}
			if snap.Payroll == nil {
				snap.Payroll = &recon.PayrollSnapshot{}
			}
			snap.Payroll.W1 = addAmount(snap.Payroll.W1, b.W1)
			snap.Payroll.W2 = addAmount(snap.Payroll.W2, b.W2)
		case KindPOS:
			var b posBody
			if err := json.Unmarshal([]byte(payload), &b); err != nil {
				return nil, fmt.Errorf("ingest: decode stored feed: %w", err)
			}
			if snap.Pos == nil {
				snap.Pos = &recon.PosSnapshot{}
			}
			snap.Pos.G1 = addAmount(snap.Pos.G1, b.G1)
			snap.Pos.G10 = addAmount(snap.Pos.G10, b.G10)
			snap.Pos.G11 = addAmount(snap.Pos.G11, b.G11)
			snap.Pos.TaxCollected = addAmount(snap.Pos.TaxCollected, b.TaxCollected)
		}
	}
	return snap, rows.Err()
}

// addAmount sums two non-negative amounts, saturating at math.MaxInt64.
// Reconciliation rejects totals above recon.MaxAmountCents.
func addAmount(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
