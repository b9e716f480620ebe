package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"counselgraph/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTopic(ctx context.Context, t domain.Topic) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO topics(id,name,created_at) VALUES (?,?,?)`,
		t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTopic(ctx context.Context, id string) (domain.Topic, error) {
	var t domain.Topic
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM topics WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM topics ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Topic
	for rows.Next() {
		var t domain.Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertForm(ctx context.Context, f domain.Form) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO forms(id,topic_id,name,created_at) VALUES (?,?,?,?)`,
		f.ID, f.TopicID, f.Name, f.CreatedAt)
	return err
}

func (r Repo) GetForm(ctx context.Context, id string) (domain.Form, error) {
	var f domain.Form
	err := r.DB.QueryRowContext(ctx, `SELECT id,topic_id,name,created_at FROM forms WHERE id=?`, id).
		Scan(&f.ID, &f.TopicID, &f.Name, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) ListForms(ctx context.Context, topicID string) ([]domain.Form, error) {
	query := `SELECT id,topic_id,name,created_at FROM forms`
	var args []any
	if topicID != "" {
		query += ` WHERE topic_id=?`
		args = append(args, topicID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Form
	for rows.Next() {
		var f domain.Form
		if err := rows.Scan(&f.ID, &f.TopicID, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(id,display_name,created_at) VALUES (?,?,?)`,
		p.ID, p.DisplayName, p.CreatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var p domain.Profile
	err := r.DB.QueryRowContext(ctx, `SELECT id,display_name,created_at FROM profiles WHERE id=?`, id).
		Scan(&p.ID, &p.DisplayName, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableJSONSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	s, err := marshalJSON(in)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeStringSlice(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func decodeSteps(raw string) []domain.CaseStep {
	if raw == "" {
		return nil
	}
	var out []domain.CaseStep
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
