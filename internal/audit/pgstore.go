package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PGStore mirrors the audit trail into Postgres for the reporting
// surface. It assumes the audit_records table already exists (schema
// management is outside this service). The jsonl trail remains the
// source of truth; this sink is optional and never blocks trading.
type PGStore struct {
	conn *sql.DB
}

func NewPGStore(dsn string) (*PGStore, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return &PGStore{conn: conn}, nil
}

func (s *PGStore) Close() error { return s.conn.Close() }

const insertRecord = `
	INSERT INTO audit_records (
		id, record_type, recorded_at, strategy, position_id,
		reason, detail, pnl_usd, payload
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

func (s *PGStore) Cycle(rec ScanCycleRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(insertRecord,
		rec.ID, "cycle", rec.Timestamp, rec.Strategy, nullable(rec.PositionID),
		rec.Reason, rec.Detail, nil, payload,
	)
	if err != nil {
		return fmt.Errorf("insert cycle record: %w", err)
	}
	return nil
}

func (s *PGStore) Transition(rec TransitionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var pnl any
	if v, ok := rec.Fields["realized_pnl_usd"].(float64); ok {
		// decimal column keeps realized P&L exact for reporting sums
		pnl = decimal.NewFromFloat(v)
	}
	_, err = s.conn.Exec(insertRecord,
		rec.ID, "transition", rec.Timestamp, rec.Strategy, nullable(rec.PositionID),
		rec.Reason, rec.Detail, pnl, payload,
	)
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return nil
}

func (s *PGStore) CriticalEvent(rec CriticalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(insertRecord,
		rec.ID, "critical", rec.Timestamp, rec.Strategy, nullable(rec.PositionID),
		rec.Code, rec.Detail, nil, payload,
	)
	if err != nil {
		return fmt.Errorf("insert critical record: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
