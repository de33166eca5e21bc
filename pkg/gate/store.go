package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

// Period is the persisted state of one settlement period.
type Period struct {
	Key                 contracts.PeriodKey  `json:"key"`
	State               State                `json:"state"`
	Thresholds          contracts.Thresholds `json:"thresholds"`
	Reasons             []string             `json:"reasons"`
	AnomalyVector       map[string]float64   `json:"anomaly_vector"`
	MerkleRoot          string               `json:"merkle_root"`
	RunningBalanceHash  string               `json:"running_balance_hash"`
	FinalLiabilityCents int64                `json:"final_liability_cents"`
	CreditedToOwaCents  int64                `json:"credited_to_owa_cents"`
	RPT                 json.RawMessage      `json:"rpt,omitempty"`
	Version             int64                `json:"version"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// TxAppender appends audit entries inside an existing transaction.
type TxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, rec audit.Record) (*audit.Entry, error)
}

// Store persists periods in the periods table.
type Store struct {
	db    *store.DB
	audit TxAppender
	clock func() time.Time
}

func NewStore(db *store.DB, a TxAppender) *Store {
	return &Store{db: db, audit: a, clock: time.Now}
}

// WithClock overrides the time source (for testing).
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

const selectPeriod = `SELECT abn, tax_type, period_id, state, thresholds, reasons, anomaly_vector, merkle_root,
	running_balance_hash, final_liability_cents, credited_to_owa_cents, rpt, version, created_at, updated_at
	FROM periods`

// Get loads one period.
func (s *Store) Get(ctx context.Context, key contracts.PeriodKey) (*Period, error) {
	row := s.db.QueryRowContext(ctx, selectPeriod+" WHERE abn = $1 AND tax_type = $2 AND period_id = $3",
		key.ABN, string(key.TaxType), key.PeriodID)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return p, err
}

// List returns every period in a tenant, newest first. An empty abn lists all.
func (s *Store) List(ctx context.Context, abn string) ([]Period, error) {
	query := selectPeriod
	var args []interface{}
	if abn != "" {
		query += " WHERE abn = $1"
		args = append(args, abn)
	}
	query += " ORDER BY updated_at DESC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("gate: list periods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Ensure creates the period in OPEN if it does not exist yet and returns it.
func (s *Store) Ensure(ctx context.Context, key contracts.PeriodKey, thresholds contracts.Thresholds, actor string) (*Period, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	now := s.clock().UTC()
	p := &Period{
		Key:           key,
		State:         StateOpen,
		Thresholds:    thresholds,
		Reasons:       []string{},
		AnomalyVector: map[string]float64{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	cols, err := encode(p)
	if err != nil {
		return nil, false, err
	}

	created := false
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO periods (abn, tax_type, period_id, state, thresholds, reasons, anomaly_vector, merkle_root,
				running_balance_hash, final_liability_cents, credited_to_owa_cents, rpt, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (abn, tax_type, period_id) DO NOTHING`,
			key.ABN, string(key.TaxType), key.PeriodID, string(p.State), cols.thresholds, cols.reasons, cols.anomaly,
			p.MerkleRoot, p.RunningBalanceHash, p.FinalLiabilityCents, p.CreditedToOwaCents, cols.rpt, p.Version,
			store.Micros(p.CreatedAt), store.Micros(p.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("gate: insert period: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("gate: rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		created = true
		_, err = s.audit.AppendTx(ctx, tx, audit.Record{
			Actor:   actor,
			Action:  "period.created",
			Target:  key.String(),
			Payload: map[string]interface{}{"state": p.State, "thresholds": thresholds},
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.Get(ctx, key)
		return existing, false, err
	}
	return p, true, nil
}

// save writes next over the row at version prev.Version and prev.State,
// appending rec in the same transaction. Zero rows affected means another
// writer got there first.
func (s *Store) save(ctx context.Context, prev, next *Period, rec audit.Record) error {
	cols, err := encode(next)
	if err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE periods SET state = $1, thresholds = $2, reasons = $3, anomaly_vector = $4, merkle_root = $5,
				running_balance_hash = $6, final_liability_cents = $7, credited_to_owa_cents = $8, rpt = $9,
				version = $10, updated_at = $11
			WHERE abn = $12 AND tax_type = $13 AND period_id = $14 AND state = $15 AND version = $16`,
			string(next.State), cols.thresholds, cols.reasons, cols.anomaly, next.MerkleRoot,
			next.RunningBalanceHash, next.FinalLiabilityCents, next.CreditedToOwaCents, cols.rpt,
			next.Version, store.Micros(next.UpdatedAt),
			prev.Key.ABN, string(prev.Key.TaxType), prev.Key.PeriodID, string(prev.State), prev.Version,
		)
		if err != nil {
			return fmt.Errorf("gate: update period: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("gate: rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("%w: %s", ErrConflict, prev.Key)
		}
		if _, err := s.audit.AppendTx(ctx, tx, rec); err != nil {
			return err
		}
		return nil
	})
}

type encoded struct {
	thresholds, reasons, anomaly, rpt string
}

func encode(p *Period) (encoded, error) {
	var out encoded
	b, err := json.Marshal(p.Thresholds)
	if err != nil {
		return out, fmt.Errorf("gate: encode thresholds: %w", err)
	}
	out.thresholds = string(b)
	reasons := p.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	if b, err = json.Marshal(reasons); err != nil {
		return out, fmt.Errorf("gate: encode reasons: %w", err)
	}
	out.reasons = string(b)
	vector := p.AnomalyVector
	if vector == nil {
		vector = map[string]float64{}
	}
	if b, err = json.Marshal(vector); err != nil {
		return out, fmt.Errorf("gate: encode anomaly vector: %w", err)
	}
	out.anomaly = string(b)
	out.rpt = string(p.RPT)
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPeriod(row scanner) (*Period, error) {
	var (
		p                                    Period
		taxType, state                       string
		thresholds, reasons, anomaly, rptStr string
		createdAt, updatedAt                 int64
	)
	err := row.Scan(&p.Key.ABN, &taxType, &p.Key.PeriodID, &state, &thresholds, &reasons, &anomaly, &p.MerkleRoot,
		&p.RunningBalanceHash, &p.FinalLiabilityCents, &p.CreditedToOwaCents, &rptStr, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Key.TaxType = contracts.TaxType(taxType)
	p.State = State(state)
	p.CreatedAt = store.FromMicros(createdAt)
	p.UpdatedAt = store.FromMicros(updatedAt)
	if rptStr != "" {
		p.RPT = json.RawMessage(rptStr)
	}
	if err := json.Unmarshal([]byte(thresholds), &p.Thresholds); err != nil {
		return nil, fmt.Errorf("gate: decode thresholds: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &p.Reasons); err != nil {
		return nil, fmt.Errorf("gate: decode reasons: %w", err)
	}
	if err := json.Unmarshal([]byte(anomaly), &p.AnomalyVector); err != nil {
		return nil, fmt.Errorf("gate: decode anomaly vector: %w", err)
	}
	return &p, nil
}
