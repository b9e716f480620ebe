package domain

// Run statuses. ACTIVE runs accept updates; COMPLETED and EXTENDED are terminal.
const (
	RunStatusActive    = "ACTIVE"
	RunStatusCompleted = "COMPLETED"
	RunStatusExtended  = "EXTENDED"
)

// IsTerminalRunStatus reports whether a run status admits no further transitions.
func IsTerminalRunStatus(status string) bool {
	return status == RunStatusCompleted || status == RunStatusExtended
}

type Topic struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Form struct {
	ID        string `json:"id"`
	TopicID   string `json:"topic_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AnswerOption is one selectable answer of a question. Terminal options end the
// interview branch; otherwise NextQuestionID points at the follow-up question.
type AnswerOption struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	NextQuestionID *string `json:"next_question_id,omitempty"`
	LegalReference *string `json:"legal_reference,omitempty"`
	Terminal       bool    `json:"terminal"`
}

// Question is one node of a form's interview graph. Non-root questions carry a
// parent question/answer-option pair referencing the branch they hang off.
type Question struct {
	ID               string         `json:"id"`
	FormID           string         `json:"form_id"`
	TopicID          string         `json:"topic_id"`
	Text             string         `json:"text"`
	ParentQuestionID *string        `json:"parent_question_id,omitempty"`
	ParentAnswerID   *string        `json:"parent_answer_id,omitempty"`
	Source           string         `json:"source,omitempty"`
	AnswerType       string         `json:"answer_type,omitempty"`
	AnswerOptions    []AnswerOption `json:"answer_options"`
	Tags             []string       `json:"tags,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

// CaseStep records one answered question inside a run or case.
type CaseStep struct {
	QuestionID    string   `json:"question_id"`
	Answer        string   `json:"answer"`
	Notes         *string  `json:"notes,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	AnsweredAt    string   `json:"answered_at,omitempty" format:"date-time"`
}

type Run struct {
	ID                  string     `json:"id"`
	TopicID             string     `json:"topic_id"`
	FormID              string     `json:"form_id"`
	ProfileID           *string    `json:"profile_id,omitempty"`
	Status              string     `json:"status" enum:"ACTIVE,COMPLETED,EXTENDED"`
	Outcome             *string    `json:"outcome,omitempty"`
	ClosureNotes        *string    `json:"closure_notes,omitempty"`
	Steps               []CaseStep `json:"steps"`
	AnsweredQuestionIDs []string   `json:"answered_question_ids"`
	Tags                []string   `json:"tags,omitempty"`
	AttachmentIDs       []string   `json:"attachment_ids,omitempty"`
	CreatedAt           string     `json:"created_at" format:"date-time"`
	UpdatedAt           string     `json:"updated_at" format:"date-time"`
	CompletedAt         *string    `json:"completed_at,omitempty" format:"date-time"`
}

// Case is the deduplicated aggregate of closed runs sharing one answer
// signature within a (topic, form, outcome) scope.
type Case struct {
	ID                  string     `json:"id"`
	TopicID             string     `json:"topic_id"`
	FormID              string     `json:"form_id"`
	Outcome             string     `json:"outcome"`
	SignatureHash       string     `json:"signature_hash"`
	Steps               []CaseStep `json:"steps"`
	AnsweredQuestionIDs []string   `json:"answered_question_ids"`
	ClosureNotes        string     `json:"closure_notes,omitempty"`
	Frequency           int        `json:"frequency"`
	CreatedAt           string     `json:"created_at" format:"date-time"`
	CompletedAt         string     `json:"completed_at" format:"date-time"`
}

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// OutboxEntry is a pending or completed secondary-index mirroring record.
type OutboxEntry struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	EntityKind  string  `json:"entity_kind"`
	EntityID    string  `json:"entity_id"`
	Op          string  `json:"op"`
	PayloadJSON string  `json:"payload_json"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	DoneAt      *string `json:"done_at,omitempty" format:"date-time"`
}
