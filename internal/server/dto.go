package server

import (
	"counselgraph/internal/domain"
	"counselgraph/internal/engine"
)

// Request payloads

type CreateTopicRequest struct {
	Name string `json:"name"`
}

type CreateFormRequest struct {
	TopicID string `json:"topic_id"`
	Name    string `json:"name"`
}

type AnswerOptionRequest struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	NextQuestionID *string `json:"next_question_id,omitempty"`
	LegalReference *string `json:"legal_reference,omitempty"`
	Terminal       bool    `json:"terminal,omitempty"`
}

type CreateQuestionRequest struct {
	ID               *string               `json:"id,omitempty"`
	FormID           string                `json:"form_id"`
	Text             string                `json:"text"`
	ParentQuestionID *string               `json:"parent_question_id,omitempty"`
	ParentAnswerID   *string               `json:"parent_answer_id,omitempty"`
	Source           *string               `json:"source,omitempty"`
	AnswerType       *string               `json:"answer_type,omitempty"`
	AnswerOptions    []AnswerOptionRequest `json:"answer_options,omitempty"`
	Tags             []string              `json:"tags,omitempty"`
}

type CreateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

type CaseStepRequest struct {
	QuestionID    string   `json:"question_id"`
	Answer        string   `json:"answer"`
	Notes         *string  `json:"notes,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	AnsweredAt    *string  `json:"answered_at,omitempty" format:"date-time"`
}

type CreateRunRequest struct {
	FormID              string            `json:"form_id"`
	ProfileID           *string           `json:"profile_id,omitempty"`
	Steps               []CaseStepRequest `json:"steps,omitempty"`
	AnsweredQuestionIDs []string          `json:"answered_question_ids,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	AttachmentIDs       []string          `json:"attachment_ids,omitempty"`
}

type UpdateRunRequest struct {
	Steps               *[]CaseStepRequest `json:"steps,omitempty"`
	AnsweredQuestionIDs *[]string          `json:"answered_question_ids,omitempty"`
	ProfileID           *string            `json:"profile_id,omitempty"`
	Status              *string            `json:"status,omitempty" enum:"ACTIVE,COMPLETED,EXTENDED"`
	Outcome             *string            `json:"outcome,omitempty"`
	ClosureNotes        *string            `json:"closure_notes,omitempty"`
	Tags                *[]string          `json:"tags,omitempty"`
	AttachmentIDs       *[]string          `json:"attachment_ids,omitempty"`
}

type CloseRunRequest struct {
	Steps        []CaseStepRequest `json:"steps,omitempty"`
	Outcome      string            `json:"outcome,omitempty"`
	ClosureNotes string            `json:"closure_notes,omitempty"`
	Extended     bool              `json:"extended,omitempty"`
}

type SimilarByAnswerSetRequest struct {
	AnsweredQuestionIDs []string `json:"answered_question_ids"`
	ExcludeID           string   `json:"exclude_id,omitempty"`
	Limit               int      `json:"limit,omitempty"`
}

// Response payloads

type TopicResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type FormResponse struct {
	ID        string `json:"id"`
	TopicID   string `json:"topic_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type QuestionResponse struct {
	ID               string                `json:"id"`
	FormID           string                `json:"form_id"`
	TopicID          string                `json:"topic_id"`
	Text             string                `json:"text"`
	ParentQuestionID *string               `json:"parent_question_id,omitempty"`
	ParentAnswerID   *string               `json:"parent_answer_id,omitempty"`
	Source           string                `json:"source,omitempty"`
	AnswerType       string                `json:"answer_type,omitempty"`
	AnswerOptions    []domain.AnswerOption `json:"answer_options"`
	Tags             []string              `json:"tags,omitempty"`
	CreatedAt        string                `json:"created_at" format:"date-time"`
}

type ProfileResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID                  string            `json:"id"`
	TopicID             string            `json:"topic_id"`
	FormID              string            `json:"form_id"`
	ProfileID           *string           `json:"profile_id,omitempty"`
	Status              string            `json:"status" enum:"ACTIVE,COMPLETED,EXTENDED"`
	Outcome             *string           `json:"outcome,omitempty"`
	ClosureNotes        *string           `json:"closure_notes,omitempty"`
	Steps               []domain.CaseStep `json:"steps"`
	AnsweredQuestionIDs []string          `json:"answered_question_ids"`
	Tags                []string          `json:"tags,omitempty"`
	AttachmentIDs       []string          `json:"attachment_ids,omitempty"`
	CreatedAt           string            `json:"created_at" format:"date-time"`
	UpdatedAt           string            `json:"updated_at" format:"date-time"`
	CompletedAt         *string           `json:"completed_at,omitempty" format:"date-time"`
}

type CaseResponse struct {
	ID                  string            `json:"id"`
	TopicID             string            `json:"topic_id"`
	FormID              string            `json:"form_id"`
	Outcome             string            `json:"outcome"`
	Steps               []domain.CaseStep `json:"steps"`
	AnsweredQuestionIDs []string          `json:"answered_question_ids"`
	ClosureNotes        string            `json:"closure_notes,omitempty"`
	Frequency           int               `json:"frequency"`
	CreatedAt           string            `json:"created_at" format:"date-time"`
	CompletedAt         string            `json:"completed_at" format:"date-time"`
}

type ClosedRunResponse struct {
	Run  RunResponse  `json:"run"`
	Case CaseResponse `json:"case"`
}

type ScoredCaseResponse struct {
	Score float64      `json:"score"`
	Case  CaseResponse `json:"case"`
}

// Conversion helpers

func topicResponse(t domain.Topic) TopicResponse {
	return TopicResponse(t)
}

func formResponse(f domain.Form) FormResponse {
	return FormResponse(f)
}

func questionResponse(q domain.Question) QuestionResponse {
	return QuestionResponse{
		ID:               q.ID,
		FormID:           q.FormID,
		TopicID:          q.TopicID,
		Text:             q.Text,
		ParentQuestionID: q.ParentQuestionID,
		ParentAnswerID:   q.ParentAnswerID,
		Source:           q.Source,
		AnswerType:       q.AnswerType,
		AnswerOptions:    nonNilSlice(q.AnswerOptions),
		Tags:             q.Tags,
		CreatedAt:        q.CreatedAt,
	}
}

func profileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse(p)
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:                  r.ID,
		TopicID:             r.TopicID,
		FormID:              r.FormID,
		ProfileID:           r.ProfileID,
		Status:              r.Status,
		Outcome:             r.Outcome,
		ClosureNotes:        r.ClosureNotes,
		Steps:               nonNilSlice(r.Steps),
		AnsweredQuestionIDs: nonNilSlice(r.AnsweredQuestionIDs),
		Tags:                r.Tags,
		AttachmentIDs:       r.AttachmentIDs,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		CompletedAt:         r.CompletedAt,
	}
}

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{
		ID:                  c.ID,
		TopicID:             c.TopicID,
		FormID:              c.FormID,
		Outcome:             c.Outcome,
		Steps:               nonNilSlice(c.Steps),
		AnsweredQuestionIDs: nonNilSlice(c.AnsweredQuestionIDs),
		ClosureNotes:        c.ClosureNotes,
		Frequency:           c.Frequency,
		CreatedAt:           c.CreatedAt,
		CompletedAt:         c.CompletedAt,
	}
}

func mapRuns(in []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(in))
	for _, r := range in {
		out = append(out, runResponse(r))
	}
	return out
}

func mapCases(in []domain.Case) []CaseResponse {
	out := make([]CaseResponse, 0, len(in))
	for _, c := range in {
		out = append(out, caseResponse(c))
	}
	return out
}

func mapQuestions(in []domain.Question) []QuestionResponse {
	out := make([]QuestionResponse, 0, len(in))
	for _, q := range in {
		out = append(out, questionResponse(q))
	}
	return out
}

func mapTopics(in []domain.Topic) []TopicResponse {
	out := make([]TopicResponse, 0, len(in))
	for _, t := range in {
		out = append(out, topicResponse(t))
	}
	return out
}

func mapScored(in []engine.ScoredCase) []ScoredCaseResponse {
	out := make([]ScoredCaseResponse, 0, len(in))
	for _, s := range in {
		out = append(out, ScoredCaseResponse{Score: s.Score, Case: caseResponse(s.Case)})
	}
	return out
}

func decodeSteps(in []CaseStepRequest) []domain.CaseStep {
	out := make([]domain.CaseStep, 0, len(in))
	for _, s := range in {
		step := domain.CaseStep{
			QuestionID:    s.QuestionID,
			Answer:        s.Answer,
			Notes:         s.Notes,
			AttachmentIDs: s.AttachmentIDs,
		}
		if s.AnsweredAt != nil {
			step.AnsweredAt = *s.AnsweredAt
		}
		out = append(out, step)
	}
	return out
}

func decodeOptions(in []AnswerOptionRequest) []domain.AnswerOption {
	out := make([]domain.AnswerOption, 0, len(in))
	for _, o := range in {
		out = append(out, domain.AnswerOption{
			ID:             o.ID,
			Label:          o.Label,
			NextQuestionID: o.NextQuestionID,
			LegalReference: o.LegalReference,
			Terminal:       o.Terminal,
		})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
