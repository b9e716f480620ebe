package counselsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CounselGraph HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// CaseStep records one answered question.
type CaseStep struct {
	QuestionID    string   `json:"question_id"`
	Answer        string   `json:"answer"`
	Notes         *string  `json:"notes,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	AnsweredAt    string   `json:"answered_at,omitempty"`
}

// Run represents the API run model.
type Run struct {
	ID                  string     `json:"id"`
	TopicID             string     `json:"topic_id"`
	FormID              string     `json:"form_id"`
	ProfileID           *string    `json:"profile_id,omitempty"`
	Status              string     `json:"status"`
	Outcome             *string    `json:"outcome,omitempty"`
	ClosureNotes        *string    `json:"closure_notes,omitempty"`
	Steps               []CaseStep `json:"steps"`
	AnsweredQuestionIDs []string   `json:"answered_question_ids"`
	CreatedAt           string     `json:"created_at"`
	UpdatedAt           string     `json:"updated_at"`
	CompletedAt         *string    `json:"completed_at,omitempty"`
}

// Case represents the deduplicated aggregate of closed runs.
type Case struct {
	ID                  string     `json:"id"`
	TopicID             string     `json:"topic_id"`
	FormID              string     `json:"form_id"`
	Outcome             string     `json:"outcome"`
	Steps               []CaseStep `json:"steps"`
	AnsweredQuestionIDs []string   `json:"answered_question_ids"`
	ClosureNotes        string     `json:"closure_notes,omitempty"`
	Frequency           int        `json:"frequency"`
	CreatedAt           string     `json:"created_at"`
	CompletedAt         string     `json:"completed_at"`
}

// ClosedRun pairs a closed run with the case it folded into.
type ClosedRun struct {
	Run  Run  `json:"run"`
	Case Case `json:"case"`
}

// ScoredCase is a similarity result.
type ScoredCase struct {
	Score float64 `json:"score"`
	Case  Case    `json:"case"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun opens a run against a form.
func (c *Client) CreateRun(ctx context.Context, formID string, steps []CaseStep) (Run, error) {
	body := map[string]any{
		"form_id": formID,
		"steps":   steps,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateRun replaces an active run's steps.
func (c *Client) UpdateRun(ctx context.Context, id string, steps []CaseStep) (Run, error) {
	body := map[string]any{"steps": steps}
	var resp Run
	err := c.do(ctx, http.MethodPatch, "runs/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// CloseRun closes a run with an outcome and returns the run plus its case.
func (c *Client) CloseRun(ctx context.Context, id, outcome, closureNotes string, extended bool) (ClosedRun, error) {
	body := map[string]any{
		"outcome":       outcome,
		"closure_notes": closureNotes,
		"extended":      extended,
	}
	var resp ClosedRun
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/close", url.PathEscape(id)), body, &resp)
	return resp, err
}

// CaseForRun fetches the case a closed run folded into.
func (c *Client) CaseForRun(ctx context.Context, runID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/case", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// ListCases returns a form's cases ordered by descending frequency.
func (c *Client) ListCases(ctx context.Context, formID string, limit int) ([]Case, error) {
	endpoint := fmt.Sprintf("forms/%s/cases", url.PathEscape(formID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Case
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Similar ranks cases similar to a run or case.
func (c *Client) Similar(ctx context.Context, formID, entityID string, limit int) ([]ScoredCase, error) {
	endpoint := fmt.Sprintf("forms/%s/similar?entity_id=%s", url.PathEscape(formID), url.QueryEscape(entityID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []ScoredCase
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SimilarToAnswerSet ranks cases against an inline answered-question set.
func (c *Client) SimilarToAnswerSet(ctx context.Context, formID string, answered []string, excludeID string, limit int) ([]ScoredCase, error) {
	body := map[string]any{
		"answered_question_ids": answered,
		"exclude_id":            excludeID,
		"limit":                 limit,
	}
	var resp []ScoredCase
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("forms/%s/similar", url.PathEscape(formID)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + c.basePath() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) basePath() string {
	return strings.Trim(c.BasePath, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
