package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"counselgraph/internal/domain"
)

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	optionsJSON, err := marshalJSON(q.AnswerOptions)
	if err != nil {
		return err
	}
	tagsJSON, err := nullableJSONSlice(q.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO questions(id,form_id,topic_id,text,parent_question_id,parent_answer_id,source,answer_type,answer_options_json,tags_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.FormID, q.TopicID, q.Text, nullableStringPtr(q.ParentQuestionID), nullableStringPtr(q.ParentAnswerID),
		nullable(q.Source), nullable(q.AnswerType), optionsJSON, tagsJSON, q.CreatedAt)
	return err
}

func (r Repo) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,form_id,topic_id,text,parent_question_id,parent_answer_id,source,answer_type,answer_options_json,tags_json,created_at FROM questions WHERE id=?`, id)
	return scanQuestion(row.Scan)
}

// QuestionExists reports whether a question id exists in any form.
func (r Repo) QuestionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM questions WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListQuestions(ctx context.Context, formID string) ([]domain.Question, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,form_id,topic_id,text,parent_question_id,parent_answer_id,source,answer_type,answer_options_json,tags_json,created_at FROM questions WHERE form_id=? ORDER BY created_at ASC, id ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var parentQ, parentA, source, answerType, tags sql.NullString
	var optionsJSON string
	err := scan(&q.ID, &q.FormID, &q.TopicID, &q.Text, &parentQ, &parentA, &source, &answerType, &optionsJSON, &tags, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if parentQ.Valid {
		q.ParentQuestionID = &parentQ.String
	}
	if parentA.Valid {
		q.ParentAnswerID = &parentA.String
	}
	if source.Valid {
		q.Source = source.String
	}
	if answerType.Valid {
		q.AnswerType = answerType.String
	}
	if err := json.Unmarshal([]byte(optionsJSON), &q.AnswerOptions); err != nil {
		return q, err
	}
	q.Tags = decodeStringSlice(tags)
	return q, nil
}
