// Package graph maintains the derived similarity index: a flat node/edge
// projection of questions, runs, and cases with ANSWERED relationships.
// It is never authoritative and can be rebuilt from the primary tables.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const (
	KindQuestion = "question"
	KindRun      = "run"
	KindCase     = "case"

	RelAnswered = "ANSWERED"
)

type Store struct {
	DB *sql.DB
}

func (s Store) UpsertNodeTx(ctx context.Context, tx *sql.Tx, id, kind, formID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO graph_nodes(id,kind,form_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, form_id=excluded.form_id`, id, kind, formID)
	return err
}

// ReplaceAnsweredTx rewrites the full ANSWERED edge set of one source node.
func (s Store) ReplaceAnsweredTx(ctx context.Context, tx *sql.Tx, srcID string, questionIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE src_id=? AND rel=?`, srcID, RelAnswered); err != nil {
		return err
	}
	for _, qid := range questionIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO graph_edges(src_id,rel,dst_id) VALUES (?,?,?)`, srcID, RelAnswered, qid); err != nil {
			return err
		}
	}
	return nil
}

// AnsweredSet returns the question ids a node has ANSWERED edges to.
func (s Store) AnsweredSet(ctx context.Context, id string) (map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT dst_id FROM graph_edges WHERE src_id=? AND rel=?`, id, RelAnswered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := map[string]struct{}{}
	for rows.Next() {
		var dst string
		if err := rows.Scan(&dst); err != nil {
			return nil, err
		}
		set[dst] = struct{}{}
	}
	return set, rows.Err()
}

// AnsweredSetsByForm returns the ANSWERED sets of every node of the given kind
// in a form, keyed by node id.
func (s Store) AnsweredSetsByForm(ctx context.Context, formID, kind string) (map[string]map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT n.id, e.dst_id
FROM graph_nodes n JOIN graph_edges e ON e.src_id = n.id AND e.rel = ?
WHERE n.form_id = ? AND n.kind = ?`, RelAnswered, formID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]map[string]struct{}{}
	for rows.Next() {
		var id, dst string
		if err := rows.Scan(&id, &dst); err != nil {
			return nil, err
		}
		set, ok := res[id]
		if !ok {
			set = map[string]struct{}{}
			res[id] = set
		}
		set[dst] = struct{}{}
	}
	return res, rows.Err()
}

// NodeKind returns the kind of a node, or "" if the node is not indexed.
func (s Store) NodeKind(ctx context.Context, id string) (string, error) {
	var kind string
	err := s.DB.QueryRowContext(ctx, `SELECT kind FROM graph_nodes WHERE id=?`, id).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return kind, err
}

// Rebuild wipes the projection and reconstructs it from the primary tables.
func (s Store) Rebuild(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM graph_edges`, `DELETE FROM graph_nodes`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO graph_nodes(id,kind,form_id) SELECT id,?,form_id FROM questions`, KindQuestion); err != nil {
		return fmt.Errorf("rebuild question nodes: %w", err)
	}
	if err := s.rebuildAnswered(ctx, tx, KindRun, `SELECT id,form_id,answered_ids_json FROM runs`); err != nil {
		return fmt.Errorf("rebuild run edges: %w", err)
	}
	if err := s.rebuildAnswered(ctx, tx, KindCase, `SELECT id,form_id,answered_ids_json FROM cases`); err != nil {
		return fmt.Errorf("rebuild case edges: %w", err)
	}
	return tx.Commit()
}

func (s Store) rebuildAnswered(ctx context.Context, tx *sql.Tx, kind, query string) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	type entity struct {
		id, formID string
		answered   []string
	}
	var entities []entity
	for rows.Next() {
		var e entity
		var answeredJSON string
		if err := rows.Scan(&e.id, &e.formID, &answeredJSON); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(answeredJSON), &e.answered); err != nil {
			rows.Close()
			return err
		}
		entities = append(entities, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range entities {
		if err := s.UpsertNodeTx(ctx, tx, e.id, kind, e.formID); err != nil {
			return err
		}
		if err := s.ReplaceAnsweredTx(ctx, tx, e.id, e.answered); err != nil {
			return err
		}
	}
	return nil
}
