package persist

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RollbackRow records one large prediction rollback.
type RollbackRow struct {
	Connection int32
	OldTick    uint32
	NewTick    uint32
	Delta      int32
}

// DecodeFailureRow records a ghost the client could not decode.
type DecodeFailureRow struct {
	NetID  uint32
	Tick   uint32
	Reason string
}

// NetStatsRow is one sampled snapshot packet.
type NetStatsRow struct {
	Connection int32
	Tick       uint32
	Bytes      int32
	Ghosts     int32
	Deferred   int32
	RTTMillis  float32
}

// Batch accumulates diagnostics between flushes.
type Batch struct {
	Rollbacks      []RollbackRow
	DecodeFailures []DecodeFailureRow
	NetStats       []NetStatsRow
}

func (b *Batch) Len() int {
	return len(b.Rollbacks) + len(b.DecodeFailures) + len(b.NetStats)
}

// Reset empties the batch, keeping its capacity.
func (b *Batch) Reset() {
	b.Rollbacks = b.Rollbacks[:0]
	b.DecodeFailures = b.DecodeFailures[:0]
	b.NetStats = b.NetStats[:0]
}

type DiagnosticsRepo struct {
	db *DB
}

func NewDiagnosticsRepo(db *DB) *DiagnosticsRepo {
	return &DiagnosticsRepo{db: db}
}

// StartSession registers a run and returns its id for later rows.
func (r *DiagnosticsRepo) StartSession(ctx context.Context, name string, tickRate int, schemaHash uint64) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO sessions (name, tick_rate, schema_hash) VALUES ($1, $2, $3) RETURNING id`,
		name, tickRate, int64(schemaHash),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// WriteBatch stores a batch in a single transaction.
func (r *DiagnosticsRepo) WriteBatch(ctx context.Context, session int64, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("diagnostics begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range b.Rollbacks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rollbacks (session_id, connection, old_tick, new_tick, delta)
			 VALUES ($1, $2, $3, $4, $5)`,
			session, e.Connection, int64(e.OldTick), int64(e.NewTick), e.Delta,
		); err != nil {
			return fmt.Errorf("rollback insert: %w", err)
		}
	}
	for _, e := range b.DecodeFailures {
		if _, err := tx.Exec(ctx,
			`INSERT INTO decode_failures (session_id, net_id, tick, reason) VALUES ($1, $2, $3, $4)`,
			session, int64(e.NetID), int64(e.Tick), e.Reason,
		); err != nil {
			return fmt.Errorf("decode failure insert: %w", err)
		}
	}
	if len(b.NetStats) > 0 {
		rows := make([][]any, len(b.NetStats))
		for i, s := range b.NetStats {
			rows[i] = []any{session, s.Connection, int64(s.Tick), s.Bytes, s.Ghosts, s.Deferred, s.RTTMillis}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"net_stats"},
			[]string{"session_id", "connection", "tick", "bytes", "ghosts", "deferred", "rtt_ms"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("net stats copy: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// RollbackCount returns how many large rollbacks a session recorded.
func (r *DiagnosticsRepo) RollbackCount(ctx context.Context, session int64) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM rollbacks WHERE session_id = $1`, session,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rollbacks: %w", err)
	}
	return n, nil
}
