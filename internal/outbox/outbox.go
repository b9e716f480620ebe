// Package outbox implements transactional mirroring into the derived graph
// index. Primary mutations append entries inside their own transaction; a
// drain pass applies pending entries to the graph store after commit. A
// failed entry stays pending with its attempt count and last error recorded,
// so the index can be repaired offline without touching primary data.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"counselgraph/internal/domain"
	"counselgraph/internal/graph"
)

// Mirror operations.
const (
	OpNodeUpsert      = "node.upsert"
	OpAnsweredReplace = "answered.replace"
)

type Payload map[string]any

// Writer appends mirror entries inside a caller-owned transaction.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entityKind, entityID, op string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mirror payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO mirror_outbox(ts,entity_kind,entity_id,op,payload_json) VALUES (?,?,?,?,?)`,
		ts, entityKind, entityID, op, string(data))
	return err
}

// AppendNodeUpsert queues a graph node mirror for an entity.
func (w Writer) AppendNodeUpsert(ctx context.Context, tx *sql.Tx, kind, id, formID string) error {
	return w.Append(ctx, tx, kind, id, OpNodeUpsert, Payload{"kind": kind, "form_id": formID})
}

// AppendAnsweredReplace queues a full rewrite of an entity's ANSWERED edges.
func (w Writer) AppendAnsweredReplace(ctx context.Context, tx *sql.Tx, kind, id string, questionIDs []string) error {
	return w.Append(ctx, tx, kind, id, OpAnsweredReplace, Payload{"question_ids": questionIDs})
}

type Drainer struct {
	DB        *sql.DB
	Graph     graph.Store
	Log       *slog.Logger
	BatchSize int
	Now       func() time.Time
}

// Drain applies pending outbox entries to the graph store, oldest first.
// Entries that fail stay pending; Drain returns the count applied and the
// first error it hit, which callers treat as a recoverable index fault.
func (d Drainer) Drain(ctx context.Context) (int, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	entries, err := d.pending(ctx, batch)
	if err != nil {
		return 0, err
	}
	applied := 0
	var firstErr error
	for _, entry := range entries {
		if err := d.apply(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mirror entry %d (%s %s): %w", entry.ID, entry.Op, entry.EntityID, err)
			}
			d.markFailed(ctx, entry.ID, err)
			if d.Log != nil {
				d.Log.Warn("secondary index write failed",
					"entry_id", entry.ID, "op", entry.Op,
					"entity_kind", entry.EntityKind, "entity_id", entry.EntityID,
					"attempts", entry.Attempts+1, "error", err)
			}
			continue
		}
		applied++
	}
	return applied, firstErr
}

// Pending lists undrained entries for inspection.
func (d Drainer) Pending(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.pending(ctx, limit)
}

func (d Drainer) pending(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id,ts,entity_kind,entity_id,op,payload_json,attempts,COALESCE(last_error,'') FROM mirror_outbox WHERE done_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEntry
	for rows.Next() {
		var e domain.OutboxEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.EntityKind, &e.EntityID, &e.Op, &e.PayloadJSON, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (d Drainer) apply(ctx context.Context, entry domain.OutboxEntry) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch entry.Op {
	case OpNodeUpsert:
		var p struct {
			Kind   string `json:"kind"`
			FormID string `json:"form_id"`
		}
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &p); err != nil {
			return err
		}
		if err := d.Graph.UpsertNodeTx(ctx, tx, entry.EntityID, p.Kind, p.FormID); err != nil {
			return err
		}
	case OpAnsweredReplace:
		var p struct {
			QuestionIDs []string `json:"question_ids"`
		}
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &p); err != nil {
			return err
		}
		if err := d.Graph.ReplaceAnsweredTx(ctx, tx, entry.EntityID, p.QuestionIDs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mirror op %q", entry.Op)
	}

	now := d.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE mirror_outbox SET done_at=?, last_error=NULL WHERE id=?`, now, entry.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (d Drainer) markFailed(ctx context.Context, id int64, cause error) {
	_, _ = d.DB.ExecContext(ctx, `UPDATE mirror_outbox SET attempts=attempts+1, last_error=? WHERE id=?`, cause.Error(), id)
}

func (d Drainer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
