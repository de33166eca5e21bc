package recon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

// ErrNoResult is returned when a period has never been reconciled.
var ErrNoResult = errors.New("recon: no result for period")

// ResultStore keeps every run. Results are never updated; a re-run
// supersedes the previous one by being newer.
type ResultStore struct {
	db *store.DB
}

func NewResultStore(db *store.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Save stores res and sets its ID.
func (s *ResultStore) Save(ctx context.Context, key contracts.PeriodKey, res *Result) error {
	deltas, err := json.Marshal(res.Deltas)
	if err != nil {
		return fmt.Errorf("recon: marshal deltas: %w", err)
	}
	reasons, err := json.Marshal(res.Reasons)
	if err != nil {
		return fmt.Errorf("recon: marshal reasons: %w", err)
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO recon_results (abn, tax_type, period_id, status, deltas, reasons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		key.ABN, string(key.TaxType), key.PeriodID, string(res.Status), string(deltas), string(reasons), store.Micros(res.CreatedAt),
	).Scan(&res.ID)
}

// Latest returns the newest result for key.
func (s *ResultStore) Latest(ctx context.Context, key contracts.PeriodKey) (*Result, error) {
	var (
		res             Result
		status          string
		deltas, reasons string
		createdAt       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, deltas, reasons, created_at FROM recon_results
		WHERE abn = $1 AND tax_type = $2 AND period_id = $3
		ORDER BY id DESC LIMIT 1`,
		key.ABN, string(key.TaxType), key.PeriodID,
	).Scan(&res.ID, &status, &deltas, &reasons, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("recon: load latest: %w", err)
	}
	res.Status = Status(status)
	res.CreatedAt = store.FromMicros(createdAt)
	if err := json.Unmarshal([]byte(deltas), &res.Deltas); err != nil {
		return nil, fmt.Errorf("recon: decode deltas: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &res.Reasons); err != nil {
		return nil, fmt.Errorf("recon: decode reasons: %w", err)
	}
	return &res, nil
}
