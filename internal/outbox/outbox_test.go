package outbox_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"counselgraph/internal/db"
	"counselgraph/internal/graph"
	"counselgraph/internal/migrate"
	"counselgraph/internal/outbox"
)

func newOutbox(t *testing.T) (outbox.Writer, outbox.Drainer, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	w := outbox.Writer{Now: now}
	d := outbox.Drainer{DB: conn, Graph: graph.Store{DB: conn}, Now: now}
	return w, d, conn
}

func appendTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestDrainAppliesPendingEntries(t *testing.T) {
	ctx := context.Background()
	w, d, conn := newOutbox(t)

	appendTx(t, conn, func(tx *sql.Tx) error {
		if err := w.AppendNodeUpsert(ctx, tx, graph.KindCase, "case-1", "form-1"); err != nil {
			return err
		}
		return w.AppendAnsweredReplace(ctx, tx, graph.KindCase, "case-1", []string{"q1", "q2"})
	})

	pending, err := d.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	applied, err := d.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}

	kind, err := d.Graph.NodeKind(ctx, "case-1")
	if err != nil || kind != graph.KindCase {
		t.Fatalf("node kind = %q err %v, want case", kind, err)
	}
	set, err := d.Graph.AnsweredSet(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Fatalf("answered = %v, want q1,q2", set)
	}

	pending, err = d.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after drain = %d, want 0", len(pending))
	}
}

func TestDrainKeepsFailedEntriesPending(t *testing.T) {
	ctx := context.Background()
	w, d, conn := newOutbox(t)

	appendTx(t, conn, func(tx *sql.Tx) error {
		return w.Append(ctx, tx, graph.KindCase, "case-1", "bogus.op", nil)
	})

	applied, err := d.Drain(ctx)
	if applied != 0 || err == nil {
		t.Fatalf("applied = %d err = %v, want failure on unknown op", applied, err)
	}

	pending, err := d.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want the failed entry kept", len(pending))
	}
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Fatalf("entry = %+v, want attempts=1 with last_error recorded", pending[0])
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	w, d, conn := newOutbox(t)

	appendTx(t, conn, func(tx *sql.Tx) error {
		return w.AppendNodeUpsert(ctx, tx, graph.KindRun, "run-1", "form-1")
	})
	if _, err := d.Drain(ctx); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	applied, err := d.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0 on an already-drained outbox", applied)
	}
}
