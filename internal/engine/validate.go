package engine

import (
	"context"
	"fmt"
	"strings"

	"counselgraph/internal/domain"
)

// questionGraph is an id-indexed view of one form's interview graph, loaded
// once per validation pass.
type questionGraph struct {
	formID string
	byID   map[string]domain.Question
}

func (e Engine) loadQuestionGraph(ctx context.Context, formID string) (*questionGraph, error) {
	questions, err := e.Repo.ListQuestions(ctx, formID)
	if err != nil {
		return nil, err
	}
	g := &questionGraph{formID: formID, byID: make(map[string]domain.Question, len(questions))}
	for _, q := range questions {
		g.byID[q.ID] = q
	}
	return g, nil
}

// validateAnswered checks that answered is a valid walk of the form's graph:
// no blanks, no duplicates, every id resolvable in this form, and every
// question's parent answered strictly earlier.
func (e Engine) validateAnswered(ctx context.Context, g *questionGraph, answered []string) error {
	position := make(map[string]int, len(answered))
	for i, id := range answered {
		if strings.TrimSpace(id) == "" {
			return validationErr(CodeInvalidSequence, "answered question ids must not be blank", map[string]any{"index": i})
		}
		if prev, dup := position[id]; dup {
			return validationErr(CodeInvalidSequence, fmt.Sprintf("question %s appears more than once", id), map[string]any{"question_id": id, "first_index": prev, "index": i})
		}
		position[id] = i
	}
	for i, id := range answered {
		q, ok := g.byID[id]
		if !ok {
			exists, err := e.Repo.QuestionExists(ctx, id)
			if err != nil {
				return err
			}
			if exists {
				return validationErr(CodeWrongForm, fmt.Sprintf("question %s belongs to a different form", id), map[string]any{"question_id": id, "form_id": g.formID})
			}
			return validationErr(CodeQuestionNotFound, fmt.Sprintf("question %s not found", id), map[string]any{"question_id": id})
		}
		if q.ParentQuestionID == nil {
			continue
		}
		parentPos, answeredParent := position[*q.ParentQuestionID]
		if !answeredParent || parentPos >= i {
			return validationErr(CodeDependencyViolation,
				fmt.Sprintf("question %s requires its parent %s earlier in the sequence", id, *q.ParentQuestionID),
				map[string]any{"question_id": id, "parent_question_id": *q.ParentQuestionID})
		}
	}
	return nil
}

// validateSteps checks that every step's question is present in answered and
// that step order follows the answered sequence (indexes monotonically
// non-decreasing).
func validateSteps(steps []domain.CaseStep, answered []string) error {
	position := make(map[string]int, len(answered))
	for i, id := range answered {
		position[id] = i
	}
	last := -1
	for i, s := range steps {
		pos, ok := position[s.QuestionID]
		if !ok {
			return validationErr(CodeStepOrderViolation,
				fmt.Sprintf("step %d answers question %s which is not in the answered sequence", i, s.QuestionID),
				map[string]any{"step_index": i, "question_id": s.QuestionID})
		}
		if pos < last {
			return validationErr(CodeStepOrderViolation,
				fmt.Sprintf("step %d for question %s is out of order", i, s.QuestionID),
				map[string]any{"step_index": i, "question_id": s.QuestionID})
		}
		last = pos
	}
	return nil
}

// validateQuestionLinkage enforces the graph invariants on a new question: a
// non-root question's parent pair must reference an existing question and one
// of its option ids, and option ids must be unique within the question.
func validateQuestionLinkage(q domain.Question, parent *domain.Question) error {
	seen := map[string]bool{}
	for _, opt := range q.AnswerOptions {
		if strings.TrimSpace(opt.ID) == "" {
			return validationErr(CodeInvalidSequence, "answer option id must not be blank", nil)
		}
		if seen[opt.ID] {
			return validationErr(CodeInvalidSequence, fmt.Sprintf("answer option %s duplicated", opt.ID), map[string]any{"option_id": opt.ID})
		}
		seen[opt.ID] = true
	}
	if q.ParentQuestionID == nil && q.ParentAnswerID == nil {
		return nil
	}
	if q.ParentQuestionID == nil || q.ParentAnswerID == nil {
		return validationErr(CodeInvalidSequence, "parent question and parent answer must be set together", nil)
	}
	if parent == nil {
		return validationErr(CodeQuestionNotFound, fmt.Sprintf("parent question %s not found", *q.ParentQuestionID), map[string]any{"question_id": *q.ParentQuestionID})
	}
	if parent.FormID != q.FormID {
		return validationErr(CodeWrongForm, fmt.Sprintf("parent question %s belongs to a different form", parent.ID), map[string]any{"question_id": parent.ID})
	}
	for _, opt := range parent.AnswerOptions {
		if opt.ID == *q.ParentAnswerID {
			return nil
		}
	}
	return validationErr(CodeInvalidSequence,
		fmt.Sprintf("parent question %s has no answer option %s", parent.ID, *q.ParentAnswerID),
		map[string]any{"question_id": parent.ID, "option_id": *q.ParentAnswerID})
}
