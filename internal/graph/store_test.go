package graph_test

import (
	"context"
	"database/sql"
	"testing"

	"counselgraph/internal/db"
	"counselgraph/internal/graph"
	"counselgraph/internal/migrate"
)

func newStore(t *testing.T) (graph.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return graph.Store{DB: conn}, conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
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

func TestReplaceAnswered(t *testing.T) {
	ctx := context.Background()
	store, conn := newStore(t)

	inTx(t, conn, func(tx *sql.Tx) error {
		if err := store.UpsertNodeTx(ctx, tx, "case-1", graph.KindCase, "form-1"); err != nil {
			return err
		}
		return store.ReplaceAnsweredTx(ctx, tx, "case-1", []string{"q1", "q2"})
	})
	set, err := store.AnsweredSet(ctx, "case-1")
	if err != nil {
		t.Fatalf("answered set: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("set = %v, want q1,q2", set)
	}

	// A replace fully rewrites the edge set, not merges into it.
	inTx(t, conn, func(tx *sql.Tx) error {
		return store.ReplaceAnsweredTx(ctx, tx, "case-1", []string{"q3"})
	})
	set, err = store.AnsweredSet(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set["q3"]; !ok || len(set) != 1 {
		t.Fatalf("set = %v, want only q3", set)
	}
}

func TestAnsweredSetsByForm(t *testing.T) {
	ctx := context.Background()
	store, conn := newStore(t)

	inTx(t, conn, func(tx *sql.Tx) error {
		for _, n := range []struct{ id, kind, form string }{
			{"case-1", graph.KindCase, "form-1"},
			{"case-2", graph.KindCase, "form-1"},
			{"case-3", graph.KindCase, "form-2"},
			{"run-1", graph.KindRun, "form-1"},
		} {
			if err := store.UpsertNodeTx(ctx, tx, n.id, n.kind, n.form); err != nil {
				return err
			}
			if err := store.ReplaceAnsweredTx(ctx, tx, n.id, []string{"q1"}); err != nil {
				return err
			}
		}
		return nil
	})
	sets, err := store.AnsweredSetsByForm(ctx, "form-1", graph.KindCase)
	if err != nil {
		t.Fatalf("answered sets: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("sets = %v, want case-1 and case-2 only", sets)
	}
	if _, ok := sets["case-3"]; ok {
		t.Fatal("other form leaked in")
	}
	if _, ok := sets["run-1"]; ok {
		t.Fatal("other kind leaked in")
	}
}

func TestRebuildFromPrimaryTables(t *testing.T) {
	ctx := context.Background()
	store, conn := newStore(t)

	// Seed primary rows directly; the projection starts empty.
	if _, err := conn.Exec(`INSERT INTO topics(id,name,created_at) VALUES ('t1','Tenancy','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO forms(id,topic_id,name,created_at) VALUES ('f1','t1','Intake','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO questions(id,form_id,topic_id,text,answer_options_json,created_at) VALUES ('q1','f1','t1','Q?','[]','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO runs(id,topic_id,form_id,status,steps_json,answered_ids_json,created_at,updated_at)
VALUES ('run-1','t1','f1','ACTIVE','[]','["q1"]','2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO cases(id,topic_id,form_id,outcome,signature_hash,steps_json,answered_ids_json,created_at,completed_at)
VALUES ('case-1','t1','f1','granted','hash','[]','["q1"]','2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	// Stale projection data must be wiped by the rebuild.
	inTx(t, conn, func(tx *sql.Tx) error {
		if err := store.UpsertNodeTx(ctx, tx, "ghost", graph.KindCase, "f1"); err != nil {
			return err
		}
		return store.ReplaceAnsweredTx(ctx, tx, "ghost", []string{"q9"})
	})

	if err := store.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	kind, err := store.NodeKind(ctx, "q1")
	if err != nil || kind != graph.KindQuestion {
		t.Fatalf("q1 kind = %q err %v, want question node", kind, err)
	}
	if kind, _ := store.NodeKind(ctx, "ghost"); kind != "" {
		t.Fatal("stale node survived the rebuild")
	}
	for _, id := range []string{"run-1", "case-1"} {
		set, err := store.AnsweredSet(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := set["q1"]; !ok || len(set) != 1 {
			t.Fatalf("%s answered = %v, want {q1}", id, set)
		}
	}
}
