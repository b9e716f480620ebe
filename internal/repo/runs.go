package repo

import (
	"context"
	"database/sql"
	"strings"

	"counselgraph/internal/domain"
)

const runColumns = `id,topic_id,form_id,profile_id,status,outcome,closure_notes,steps_json,answered_ids_json,tags_json,attachment_ids_json,created_at,updated_at,completed_at`

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	stepsJSON, err := marshalJSON(run.Steps)
	if err != nil {
		return err
	}
	answeredJSON, err := marshalJSON(run.AnsweredQuestionIDs)
	if err != nil {
		return err
	}
	tagsJSON, err := nullableJSONSlice(run.Tags)
	if err != nil {
		return err
	}
	attachmentsJSON, err := nullableJSONSlice(run.AttachmentIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TopicID, run.FormID, nullableStringPtr(run.ProfileID), run.Status,
		nullableStringPtr(run.Outcome), nullableStringPtr(run.ClosureNotes),
		stepsJSON, answeredJSON, tagsJSON, attachmentsJSON,
		run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	stepsJSON, err := marshalJSON(run.Steps)
	if err != nil {
		return err
	}
	answeredJSON, err := marshalJSON(run.AnsweredQuestionIDs)
	if err != nil {
		return err
	}
	tagsJSON, err := nullableJSONSlice(run.Tags)
	if err != nil {
		return err
	}
	attachmentsJSON, err := nullableJSONSlice(run.AttachmentIDs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET profile_id=?, status=?, outcome=?, closure_notes=?, steps_json=?, answered_ids_json=?, tags_json=?, attachment_ids_json=?, updated_at=?, completed_at=? WHERE id=?`,
		nullableStringPtr(run.ProfileID), run.Status,
		nullableStringPtr(run.Outcome), nullableStringPtr(run.ClosureNotes),
		stepsJSON, answeredJSON, tagsJSON, attachmentsJSON,
		run.UpdatedAt, nullableStringPtr(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

type RunFilters struct {
	FormID string
	Status string
	Limit  int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.FormID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, f.FormID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var profileID, outcome, closureNotes, tags, attachments, completedAt sql.NullString
	var stepsJSON, answeredJSON string
	err := scan(&run.ID, &run.TopicID, &run.FormID, &profileID, &run.Status, &outcome, &closureNotes,
		&stepsJSON, &answeredJSON, &tags, &attachments, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if profileID.Valid {
		run.ProfileID = &profileID.String
	}
	if outcome.Valid {
		run.Outcome = &outcome.String
	}
	if closureNotes.Valid {
		run.ClosureNotes = &closureNotes.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	run.Steps = decodeSteps(stepsJSON)
	run.AnsweredQuestionIDs = decodeStringSlice(sql.NullString{String: answeredJSON, Valid: true})
	run.Tags = decodeStringSlice(tags)
	run.AttachmentIDs = decodeStringSlice(attachments)
	return run, nil
}
