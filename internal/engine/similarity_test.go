package engine_test

import (
	"errors"
	"testing"

	"counselgraph/internal/config"
	"counselgraph/internal/domain"
	"counselgraph/internal/engine"
	"counselgraph/internal/repo"
)

// newFlatEnv seeds a form of independent root questions r1..r4 so any
// answered subset is a valid sequence.
func newFlatEnv(t *testing.T) testEnv {
	t.Helper()
	env := newTestEnv(t)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		if _, err := env.Engine.CreateQuestion(env.Ctx, engine.QuestionCreateOptions{
			ID:     id,
			FormID: env.Form.ID,
			Text:   "Question " + id,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	return env
}

func (env testEnv) closeWithSteps(t *testing.T, outcome string, s []domain.CaseStep) domain.Case {
	t.Helper()
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{FormID: env.Form.ID, Steps: s})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	_, c, err := env.Engine.CloseRun(env.Ctx, engine.RunCloseOptions{ID: run.ID, Outcome: outcome})
	if err != nil {
		t.Fatalf("close run: %v", err)
	}
	return c
}

func TestJaccardRanking(t *testing.T) {
	env := newFlatEnv(t)
	exact := env.closeWithSteps(t, "granted", steps("r1", "yes", "r2", "no"))
	partial := env.closeWithSteps(t, "granted", steps("r1", "yes", "r2", "no", "r3", "yes"))
	env.closeWithSteps(t, "granted", steps("r4", "yes")) // disjoint, must not appear

	target, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FormID: env.Form.ID,
		Steps:  steps("r1", "maybe", "r2", "maybe"),
	})
	if err != nil {
		t.Fatal(err)
	}
	scored, err := env.Engine.SimilarToEntity(env.Ctx, env.Form.ID, target.ID, 10)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d results, want 2", len(scored))
	}
	if scored[0].Case.ID != exact.ID || scored[0].Score != 1.0 {
		t.Fatalf("top = %s score %.3f, want exact match at 1.0", scored[0].Case.ID, scored[0].Score)
	}
	if scored[1].Case.ID != partial.ID {
		t.Fatalf("second = %s, want partial overlap case", scored[1].Case.ID)
	}
	want := 2.0 / 3.0
	if diff := scored[1].Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("partial score = %.6f, want %.6f", scored[1].Score, want)
	}
}

func TestJaccardFrequencyTieBreak(t *testing.T) {
	env := newFlatEnv(t)
	rare := env.closeWithSteps(t, "granted", steps("r1", "yes", "r3", "yes"))
	frequent := env.closeWithSteps(t, "granted", steps("r1", "no", "r4", "no"))
	again := env.closeWithSteps(t, "granted", steps("r1", "no", "r4", "no"))
	if frequent.ID != again.ID {
		t.Fatalf("expected dedup into one case")
	}

	// Target overlaps each candidate on r1 only, so the scores tie.
	scored, err := env.Engine.SimilarToAnswerSet(env.Ctx, env.Form.ID, []string{"r1", "r2"}, "", 10)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d results, want 2", len(scored))
	}
	if scored[0].Case.ID != frequent.ID {
		t.Fatalf("top = %s, want the higher-frequency case %s", scored[0].Case.ID, frequent.ID)
	}
	if scored[1].Case.ID != rare.ID {
		t.Fatalf("second = %s, want %s", scored[1].Case.ID, rare.ID)
	}
}

func TestSimilarExcludesSelf(t *testing.T) {
	env := newFlatEnv(t)
	self := env.closeWithSteps(t, "granted", steps("r1", "yes", "r2", "no"))
	other := env.closeWithSteps(t, "granted", steps("r1", "yes", "r3", "no"))

	scored, err := env.Engine.SimilarToEntity(env.Ctx, env.Form.ID, self.ID, 10)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	for _, s := range scored {
		if s.Case.ID == self.ID {
			t.Fatal("entity must be excluded from its own results")
		}
	}
	if len(scored) != 1 || scored[0].Case.ID != other.ID {
		t.Fatalf("results = %v, want only the other case", scored)
	}
}

func TestSimilarWrongForm(t *testing.T) {
	env := newFlatEnv(t)
	c := env.closeWithSteps(t, "granted", steps("r1", "yes"))
	other, err := env.Engine.CreateForm(env.Ctx, env.Topic.ID, "Other intake")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SimilarToEntity(env.Ctx, other.ID, c.ID, 10)
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Code != engine.CodeWrongForm {
		t.Fatalf("err = %v, want wrong_form", err)
	}
}

func TestSimilarUnknownEntity(t *testing.T) {
	env := newFlatEnv(t)
	_, err := env.Engine.SimilarToEntity(env.Ctx, env.Form.ID, "missing", 10)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSimilarEmptyAnswerSet(t *testing.T) {
	env := newFlatEnv(t)
	env.closeWithSteps(t, "granted", steps("r1", "yes"))
	scored, err := env.Engine.SimilarToAnswerSet(env.Ctx, env.Form.ID, nil, "", 10)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(scored) != 0 {
		t.Fatalf("got %d results, want none for an empty answer set", len(scored))
	}
}

func TestSimilarLimitClamp(t *testing.T) {
	env := newFlatEnv(t)
	env.Engine.Config.Similarity.Limit = 1
	env.closeWithSteps(t, "granted", steps("r1", "yes", "r2", "no"))
	env.closeWithSteps(t, "granted", steps("r1", "yes", "r3", "no"))

	scored, err := env.Engine.SimilarToAnswerSet(env.Ctx, env.Form.ID, []string{"r1"}, "", 0)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(scored) != 1 {
		t.Fatalf("got %d results, want the configured default of 1", len(scored))
	}
}

func TestPairwiseRanking(t *testing.T) {
	env := newFlatEnv(t)
	env.Engine.Config.Similarity.Strategy = config.StrategyPairwise

	match := env.closeWithSteps(t, "granted", steps("r1", "Yes", "r2", "No"))
	half := env.closeWithSteps(t, "granted", steps("r1", "yes", "r2", "maybe"))
	env.closeWithSteps(t, "granted", steps("r1", "other", "r2", "other")) // no matching pairs

	target, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FormID: env.Form.ID,
		Steps:  steps("r1", "yes", "r2", "no"),
	})
	if err != nil {
		t.Fatal(err)
	}
	scored, err := env.Engine.SimilarToEntity(env.Ctx, env.Form.ID, target.ID, 10)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d results, want 2", len(scored))
	}
	if scored[0].Case.ID != match.ID || scored[0].Score != 1.0 {
		t.Fatalf("top = %s score %.3f, want full pair match at 1.0", scored[0].Case.ID, scored[0].Score)
	}
	if scored[1].Case.ID != half.ID || scored[1].Score != 0.5 {
		t.Fatalf("second = %s score %.3f, want half match at 0.5", scored[1].Case.ID, scored[1].Score)
	}
}
