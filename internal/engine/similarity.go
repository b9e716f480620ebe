package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"counselgraph/internal/config"
	"counselgraph/internal/domain"
	"counselgraph/internal/graph"
	"counselgraph/internal/repo"
)

// ScoredCase is one similarity result.
type ScoredCase struct {
	Case  domain.Case
	Score float64
}

// SimilarToEntity ranks the form's cases by similarity to an existing run or
// case. The entity itself is always excluded from the results.
func (e Engine) SimilarToEntity(ctx context.Context, formID, entityID string, limit int) ([]ScoredCase, error) {
	limit = e.clampLimit(limit)
	target, err := e.resolveEntity(ctx, formID, entityID)
	if err != nil {
		return nil, err
	}
	switch e.strategy() {
	case config.StrategyPairwise:
		return e.pairwiseRank(ctx, formID, stepSignatureMap(target.steps), entityID, limit)
	default:
		return e.jaccardRank(ctx, formID, toSet(target.answered), entityID, limit)
	}
}

// SimilarToAnswerSet ranks the form's cases by similarity to an inline
// answered-question-id set, so callers can query for a run before closing it.
func (e Engine) SimilarToAnswerSet(ctx context.Context, formID string, answered []string, excludeID string, limit int) ([]ScoredCase, error) {
	limit = e.clampLimit(limit)
	if _, err := e.Repo.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	if len(answered) == 0 {
		return []ScoredCase{}, nil
	}
	switch e.strategy() {
	case config.StrategyPairwise:
		// Without answers only question-id presence can match.
		targetMap := make(map[string]string, len(answered))
		for _, id := range answered {
			targetMap[id] = ""
		}
		return e.pairwiseIDRank(ctx, formID, targetMap, excludeID, limit)
	default:
		return e.jaccardRank(ctx, formID, toSet(answered), excludeID, limit)
	}
}

func (e Engine) strategy() string {
	if e.Config != nil && e.Config.Similarity.Strategy != "" {
		return e.Config.Similarity.Strategy
	}
	return config.StrategyJaccard
}

func (e Engine) clampLimit(limit int) int {
	def, max := 5, 25
	if e.Config != nil {
		if e.Config.Similarity.Limit > 0 {
			def = e.Config.Similarity.Limit
		}
		if e.Config.Similarity.MaxLimit > 0 {
			max = e.Config.Similarity.MaxLimit
		}
	}
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

type similarityTarget struct {
	answered []string
	steps    []domain.CaseStep
}

func (e Engine) resolveEntity(ctx context.Context, formID, entityID string) (similarityTarget, error) {
	if run, err := e.Repo.GetRun(ctx, entityID); err == nil {
		if run.FormID != formID {
			return similarityTarget{}, validationErr(CodeWrongForm, fmt.Sprintf("run %s belongs to a different form", entityID), map[string]any{"form_id": formID})
		}
		return similarityTarget{answered: run.AnsweredQuestionIDs, steps: run.Steps}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return similarityTarget{}, err
	}
	c, err := e.Repo.GetCase(ctx, entityID)
	if err != nil {
		return similarityTarget{}, err
	}
	if c.FormID != formID {
		return similarityTarget{}, validationErr(CodeWrongForm, fmt.Sprintf("case %s belongs to a different form", entityID), map[string]any{"form_id": formID})
	}
	return similarityTarget{answered: c.AnsweredQuestionIDs, steps: c.Steps}, nil
}

// jaccardRank scores candidates by answered-set overlap read from the graph
// index: |intersection| / |union|, zero-intersection candidates dropped.
func (e Engine) jaccardRank(ctx context.Context, formID string, target map[string]struct{}, excludeID string, limit int) ([]ScoredCase, error) {
	if len(target) == 0 {
		return []ScoredCase{}, nil
	}
	candidates, err := e.Graph.AnsweredSetsByForm(ctx, formID, graph.KindCase)
	if err != nil {
		return nil, err
	}
	scores := map[string]float64{}
	for id, set := range candidates {
		if id == excludeID {
			continue
		}
		intersection := 0
		for q := range set {
			if _, ok := target[q]; ok {
				intersection++
			}
		}
		if intersection == 0 {
			continue
		}
		union := len(target) + len(set) - intersection
		scores[id] = float64(intersection) / float64(union)
	}
	return e.rankScored(ctx, scores, limit)
}

// pairwiseRank scores candidates by matching (question, normalized answer)
// pairs over the larger of the two maps.
func (e Engine) pairwiseRank(ctx context.Context, formID string, target map[string]string, excludeID string, limit int) ([]ScoredCase, error) {
	if len(target) == 0 {
		return []ScoredCase{}, nil
	}
	cases, err := e.Repo.ListCases(ctx, formID, 0)
	if err != nil {
		return nil, err
	}
	var scored []ScoredCase
	for _, c := range cases {
		if c.ID == excludeID {
			continue
		}
		candidateMap := stepSignatureMap(c.Steps)
		matches := 0
		for q, a := range candidateMap {
			if ta, ok := target[q]; ok && ta == a {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		denom := len(target)
		if len(candidateMap) > denom {
			denom = len(candidateMap)
		}
		scored = append(scored, ScoredCase{Case: c, Score: float64(matches) / float64(denom)})
	}
	sortScored(scored)
	return truncate(scored, limit), nil
}

// pairwiseIDRank matches on question-id presence alone, for inline answer
// sets that carry no answers.
func (e Engine) pairwiseIDRank(ctx context.Context, formID string, target map[string]string, excludeID string, limit int) ([]ScoredCase, error) {
	cases, err := e.Repo.ListCases(ctx, formID, 0)
	if err != nil {
		return nil, err
	}
	var scored []ScoredCase
	for _, c := range cases {
		if c.ID == excludeID {
			continue
		}
		matches := 0
		for _, q := range c.AnsweredQuestionIDs {
			if _, ok := target[q]; ok {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		denom := len(target)
		if len(c.AnsweredQuestionIDs) > denom {
			denom = len(c.AnsweredQuestionIDs)
		}
		scored = append(scored, ScoredCase{Case: c, Score: float64(matches) / float64(denom)})
	}
	sortScored(scored)
	return truncate(scored, limit), nil
}

func (e Engine) rankScored(ctx context.Context, scores map[string]float64, limit int) ([]ScoredCase, error) {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	cases, err := e.Repo.CasesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredCase, 0, len(cases))
	for id, c := range cases {
		scored = append(scored, ScoredCase{Case: c, Score: scores[id]})
	}
	sortScored(scored)
	return truncate(scored, limit), nil
}

// sortScored orders most similar first: descending score, then descending
// frequency, then id for a stable result.
func sortScored(scored []ScoredCase) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Case.Frequency != scored[j].Case.Frequency {
			return scored[i].Case.Frequency > scored[j].Case.Frequency
		}
		return scored[i].Case.ID < scored[j].Case.ID
	})
}

func truncate(scored []ScoredCase, limit int) []ScoredCase {
	if scored == nil {
		return []ScoredCase{}
	}
	if limit > 0 && len(scored) > limit {
		return scored[:limit]
	}
	return scored
}

func stepSignatureMap(steps []domain.CaseStep) map[string]string {
	m := make(map[string]string, len(steps))
	for _, s := range steps {
		m[s.QuestionID] = NormalizeAnswer(s.Answer)
	}
	return m
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
