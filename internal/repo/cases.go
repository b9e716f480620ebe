package repo

import (
	"context"
	"database/sql"

	"counselgraph/internal/domain"
)

const caseColumns = `id,topic_id,form_id,outcome,signature_hash,steps_json,answered_ids_json,closure_notes,frequency,created_at,completed_at`

// UpsertCase performs the atomic find-or-create on the case signature index.
// A conflicting row in the (topic, form, outcome, signature) scope has its
// frequency incremented, completed_at refreshed, and closure_notes overwritten
// only when the incoming value is non-blank.
func (r Repo) UpsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) (domain.Case, error) {
	stepsJSON, err := marshalJSON(c.Steps)
	if err != nil {
		return domain.Case{}, err
	}
	answeredJSON, err := marshalJSON(c.AnsweredQuestionIDs)
	if err != nil {
		return domain.Case{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`)
VALUES (?,?,?,?,?,?,?,?,1,?,?)
ON CONFLICT(topic_id,form_id,outcome,signature_hash) DO UPDATE SET
  frequency = frequency + 1,
  completed_at = excluded.completed_at,
  closure_notes = CASE
    WHEN excluded.closure_notes IS NOT NULL AND trim(excluded.closure_notes) != ''
    THEN excluded.closure_notes
    ELSE cases.closure_notes
  END`,
		c.ID, c.TopicID, c.FormID, c.Outcome, c.SignatureHash,
		stepsJSON, answeredJSON, nullable(c.ClosureNotes), c.CreatedAt, c.CompletedAt)
	if err != nil {
		return domain.Case{}, err
	}
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE topic_id=? AND form_id=? AND outcome=? AND signature_hash=?`,
		c.TopicID, c.FormID, c.Outcome, c.SignatureHash)
	return scanCase(row.Scan)
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

// LinkRunCase records which case aggregate a closed run folded into.
func (r Repo) LinkRunCase(ctx context.Context, tx *sql.Tx, runID, caseID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_cases(run_id,case_id) VALUES (?,?)
ON CONFLICT(run_id) DO UPDATE SET case_id=excluded.case_id`, runID, caseID)
	return err
}

func (r Repo) CaseForRun(ctx context.Context, runID string) (domain.Case, error) {
	var caseID string
	err := r.DB.QueryRowContext(ctx, `SELECT case_id FROM run_cases WHERE run_id=?`, runID).Scan(&caseID)
	if err == sql.ErrNoRows {
		return domain.Case{}, ErrNotFound
	}
	if err != nil {
		return domain.Case{}, err
	}
	return r.GetCase(ctx, caseID)
}

// ListCases returns a form's cases sorted by descending frequency.
func (r Repo) ListCases(ctx context.Context, formID string, limit int) ([]domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE form_id=? ORDER BY frequency DESC, completed_at DESC, id DESC`
	args := []any{formID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CasesByIDs(ctx context.Context, ids []string) (map[string]domain.Case, error) {
	res := make(map[string]domain.Case, len(ids))
	for _, id := range ids {
		c, err := r.GetCase(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		res[id] = c
	}
	return res, nil
}

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var closureNotes sql.NullString
	var stepsJSON, answeredJSON string
	err := scan(&c.ID, &c.TopicID, &c.FormID, &c.Outcome, &c.SignatureHash,
		&stepsJSON, &answeredJSON, &closureNotes, &c.Frequency, &c.CreatedAt, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if closureNotes.Valid {
		c.ClosureNotes = closureNotes.String
	}
	c.Steps = decodeSteps(stepsJSON)
	c.AnsweredQuestionIDs = decodeStringSlice(sql.NullString{String: answeredJSON, Valid: true})
	return c, nil
}
