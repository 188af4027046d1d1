package transfer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresLedger stores transfer attempts in the call_transfers table.
//
// NOTE: assumed schema:
//
//	CREATE TABLE call_transfers (
//	  id             TEXT PRIMARY KEY,
//	  transfer_type  TEXT NOT NULL,
//	  source_leg_id  TEXT NOT NULL,
//	  destination    TEXT NOT NULL,
//	  consult_leg_id TEXT,
//	  agent_leg_id   TEXT,
//	  command_id     TEXT,
//	  status         TEXT NOT NULL,
//	  failure_detail TEXT,
//	  initiated_at   TIMESTAMPTZ NOT NULL,
//	  completed_at   TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX call_transfers_inflight_source
//	  ON call_transfers (source_leg_id)
//	  WHERE status IN ('initiated', 'bridged');
//
// The partial unique index is the commit point for the "one in-flight
// transfer per customer leg" invariant: concurrent initiations race to
// insert, and exactly one wins.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const pgUniqueViolation = "23505"

func (l *PostgresLedger) Create(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.SourceLegID == "" {
		return ErrInvalidArgument
	}

	const q = `
INSERT INTO call_transfers (
  id, transfer_type, source_leg_id, destination, consult_leg_id, agent_leg_id,
  command_id, status, failure_detail, initiated_at, completed_at
) VALUES (
  $1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),$8,NULLIF($9,''),$10,$11
)
`
	_, err := l.db.ExecContext(ctx, q,
		rec.ID,
		string(rec.Type),
		rec.SourceLegID,
		rec.Destination,
		rec.ConsultLegID,
		rec.AgentLegID,
		rec.CommandID,
		string(rec.Status),
		rec.FailureDetail,
		rec.InitiatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrTransferInProgress
		}
		return err
	}
	return nil
}

func (l *PostgresLedger) SetConsultLeg(ctx context.Context, id, consultLegID string) error {
	if id == "" || consultLegID == "" {
		return ErrInvalidArgument
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE call_transfers SET consult_leg_id = $2 WHERE id = $1`, id, consultLegID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrRecordNotFound)
}

func (l *PostgresLedger) FindByConsultLeg(ctx context.Context, consultLegID string) (Record, error) {
	if consultLegID == "" {
		return Record{}, ErrInvalidArgument
	}

	const q = `
SELECT id, transfer_type, source_leg_id, destination,
       COALESCE(consult_leg_id, ''), COALESCE(agent_leg_id, ''),
       COALESCE(command_id, ''), status, COALESCE(failure_detail, ''),
       initiated_at, completed_at
FROM call_transfers
WHERE consult_leg_id = $1
ORDER BY initiated_at DESC
LIMIT 1
`
	return l.scanOne(l.db.QueryRowContext(ctx, q, consultLegID))
}

func (l *PostgresLedger) InFlightBySourceLeg(ctx context.Context, sourceLegID string) (Record, bool, error) {
	if sourceLegID == "" {
		return Record{}, false, ErrInvalidArgument
	}

	const q = `
SELECT id, transfer_type, source_leg_id, destination,
       COALESCE(consult_leg_id, ''), COALESCE(agent_leg_id, ''),
       COALESCE(command_id, ''), status, COALESCE(failure_detail, ''),
       initiated_at, completed_at
FROM call_transfers
WHERE source_leg_id = $1 AND status IN ('initiated', 'bridged')
ORDER BY initiated_at DESC
LIMIT 1
`
	rec, err := l.scanOne(l.db.QueryRowContext(ctx, q, sourceLegID))
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (l *PostgresLedger) MarkBridged(ctx context.Context, id, agentLegID, commandID string) error {
	if id == "" {
		return ErrInvalidArgument
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE call_transfers
SET status = 'bridged', agent_leg_id = NULLIF($2, ''), command_id = NULLIF($3, '')
WHERE id = $1 AND status = 'initiated'
`, id, agentLegID, commandID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrInvalidTransferState)
}

func (l *PostgresLedger) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return ErrInvalidArgument
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE call_transfers
SET status = 'completed', completed_at = $2
WHERE id = $1 AND status = 'bridged'
`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res, ErrInvalidTransferState)
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, id, detail string) error {
	if id == "" {
		return ErrInvalidArgument
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE call_transfers
SET status = 'failed', failure_detail = NULLIF($2, '')
WHERE id = $1 AND status IN ('initiated', 'bridged')
`, id, detail)
	if err != nil {
		return err
	}
	return requireRow(res, ErrInvalidTransferState)
}

func (l *PostgresLedger) scanOne(row *sql.Row) (Record, error) {
	var (
		rec         Record
		typ, status string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&typ,
		&rec.SourceLegID,
		&rec.Destination,
		&rec.ConsultLegID,
		&rec.AgentLegID,
		&rec.CommandID,
		&status,
		&rec.FailureDetail,
		&rec.InitiatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	rec.Type = Type(typ)
	rec.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
