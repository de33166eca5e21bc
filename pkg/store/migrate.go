package store

import (
	"context"
	"fmt"
	"strings"
)

// Migrate creates every table used by remit. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema(db.Dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", i, err)
		}
	}
	return nil
}

const zeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

func schema(d Dialect) []string {
	serial := "BIGSERIAL PRIMARY KEY"
	if d == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id {{serial}},
			ts BIGINT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			payload TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_target_idx ON audit_log (target, id)`,
		`CREATE TABLE IF NOT EXISTS audit_head (
			id INTEGER PRIMARY KEY,
			last_id BIGINT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`INSERT INTO audit_head (id, last_id, hash) VALUES (1, 0, '` + zeroHash + `') ON CONFLICT (id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS owa_ledger (
			id {{serial}},
			abn TEXT NOT NULL,
			tax_type TEXT NOT NULL,
			period_id TEXT NOT NULL,
			transfer_uuid TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			balance_after_cents BIGINT NOT NULL,
			bank_receipt_hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash_after TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (abn, tax_type, period_id, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS owa_heads (
			abn TEXT NOT NULL,
			tax_type TEXT NOT NULL,
			period_id TEXT NOT NULL,
			last_id BIGINT NOT NULL,
			balance_cents BIGINT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (abn, tax_type, period_id)
		)`,
		`CREATE TABLE IF NOT EXISTS periods (
			abn TEXT NOT NULL,
			tax_type TEXT NOT NULL,
			period_id TEXT NOT NULL,
			state TEXT NOT NULL,
			thresholds TEXT NOT NULL,
			reasons TEXT NOT NULL,
			anomaly_vector TEXT NOT NULL,
			merkle_root TEXT NOT NULL,
			running_balance_hash TEXT NOT NULL,
			final_liability_cents BIGINT NOT NULL,
			credited_to_owa_cents BIGINT NOT NULL,
			rpt TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (abn, tax_type, period_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feeds (
			id {{serial}},
			abn TEXT NOT NULL,
			tax_type TEXT NOT NULL,
			period_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			digest TEXT NOT NULL,
			received_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS feeds_period_idx ON feeds (abn, tax_type, period_id, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS feeds_digest_idx ON feeds (abn, tax_type, period_id, kind, digest)`,
		`CREATE TABLE IF NOT EXISTS recon_results (
			id {{serial}},
			abn TEXT NOT NULL,
			tax_type TEXT NOT NULL,
			period_id TEXT NOT NULL,
			status TEXT NOT NULL,
			deltas TEXT NOT NULL,
			reasons TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS recon_results_period_idx ON recon_results (abn, tax_type, period_id, id)`,
		`CREATE TABLE IF NOT EXISTS dlq_items (
			id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			next_attempt_at BIGINT NOT NULL,
			last_error TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
	for i := range stmts {
		stmts[i] = strings.ReplaceAll(stmts[i], "{{serial}}", serial)
	}
	return stmts
}
