package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"counselgraph/internal/config"
	"counselgraph/internal/domain"
	"counselgraph/internal/graph"
	"counselgraph/internal/outbox"
	"counselgraph/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Graph   graph.Store
	Outbox  outbox.Writer
	Drainer outbox.Drainer
	Config  *config.Config
	Log     *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	g := graph.Store{DB: db}
	log := slog.Default()
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Graph:   g,
		Outbox:  outbox.Writer{},
		Drainer: outbox.Drainer{DB: db, Graph: g, Log: log, BatchSize: cfg.Mirror.DrainBatch},
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// drainMirror flushes pending graph mirror entries after a primary commit.
// Failures are recorded on the outbox row and logged; the caller's result is
// already durable in the primary store and is not affected.
func (e Engine) drainMirror(ctx context.Context) {
	if _, err := e.Drainer.Drain(ctx); err != nil && e.Log != nil {
		e.Log.Warn("graph mirror drain incomplete; entries stay queued for repair", "error", err)
	}
}

func (e Engine) CreateTopic(ctx context.Context, name string) (domain.Topic, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Topic{}, errors.New("topic name is required")
	}
	t := domain.Topic{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTopic(ctx, t); err != nil {
		return domain.Topic{}, err
	}
	return t, nil
}

func (e Engine) CreateForm(ctx context.Context, topicID, name string) (domain.Form, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Form{}, errors.New("form name is required")
	}
	if _, err := e.Repo.GetTopic(ctx, topicID); err != nil {
		return domain.Form{}, err
	}
	f := domain.Form{
		ID:        uuid.New().String(),
		TopicID:   topicID,
		Name:      strings.TrimSpace(name),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertForm(ctx, f); err != nil {
		return domain.Form{}, err
	}
	return f, nil
}

func (e Engine) CreateProfile(ctx context.Context, displayName string) (domain.Profile, error) {
	if strings.TrimSpace(displayName) == "" {
		return domain.Profile{}, errors.New("display name is required")
	}
	p := domain.Profile{
		ID:          uuid.New().String(),
		DisplayName: strings.TrimSpace(displayName),
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProfile(ctx, p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// QuestionCreateOptions are parameters for adding a question to a form's graph.
type QuestionCreateOptions struct {
	ID               string
	FormID           string
	Text             string
	ParentQuestionID string
	ParentAnswerID   string
	Source           string
	AnswerType       string
	AnswerOptions    []domain.AnswerOption
	Tags             []string
}

func (e Engine) CreateQuestion(ctx context.Context, opts QuestionCreateOptions) (domain.Question, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return domain.Question{}, errors.New("question text is required")
	}
	form, err := e.Repo.GetForm(ctx, opts.FormID)
	if err != nil {
		return domain.Question{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := domain.Question{
		ID:               id,
		FormID:           form.ID,
		TopicID:          form.TopicID,
		Text:             strings.TrimSpace(opts.Text),
		ParentQuestionID: optionalString(opts.ParentQuestionID),
		ParentAnswerID:   optionalString(opts.ParentAnswerID),
		Source:           opts.Source,
		AnswerType:       opts.AnswerType,
		AnswerOptions:    opts.AnswerOptions,
		Tags:             opts.Tags,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	if q.AnswerOptions == nil {
		q.AnswerOptions = []domain.AnswerOption{}
	}
	var parent *domain.Question
	if q.ParentQuestionID != nil {
		p, err := e.Repo.GetQuestion(ctx, *q.ParentQuestionID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Question{}, err
		}
		if err == nil {
			parent = &p
		}
	}
	if err := validateQuestionLinkage(q, parent); err != nil {
		return domain.Question{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
		return domain.Question{}, err
	}
	if err := e.Outbox.AppendNodeUpsert(ctx, tx, graph.KindQuestion, q.ID, q.FormID); err != nil {
		return domain.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	e.drainMirror(ctx)
	return q, nil
}

// RunCreateOptions are parameters for opening a run against a form.
type RunCreateOptions struct {
	FormID              string
	ProfileID           string
	Steps               []domain.CaseStep
	AnsweredQuestionIDs []string
	Tags                []string
	AttachmentIDs       []string
}

func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	form, err := e.Repo.GetForm(ctx, opts.FormID)
	if err != nil {
		return domain.Run{}, err
	}
	if opts.ProfileID != "" {
		if _, err := e.Repo.GetProfile(ctx, opts.ProfileID); err != nil {
			return domain.Run{}, fmt.Errorf("profile %s: %w", opts.ProfileID, err)
		}
	}
	answered := opts.AnsweredQuestionIDs
	if len(answered) == 0 {
		answered = deriveAnswered(opts.Steps)
	}
	g, err := e.loadQuestionGraph(ctx, form.ID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := e.validateAnswered(ctx, g, answered); err != nil {
		return domain.Run{}, err
	}
	if err := validateSteps(opts.Steps, answered); err != nil {
		return domain.Run{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:                  uuid.New().String(),
		TopicID:             form.TopicID,
		FormID:              form.ID,
		ProfileID:           optionalString(opts.ProfileID),
		Status:              domain.RunStatusActive,
		Steps:               nonNilSteps(opts.Steps),
		AnsweredQuestionIDs: nonNilStrings(answered),
		Tags:                opts.Tags,
		AttachmentIDs:       opts.AttachmentIDs,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.appendRunMirror(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.drainMirror(ctx)
	return run, nil
}

// RunUpdateOptions are partial updates to an active run. Nil fields are left
// unchanged.
type RunUpdateOptions struct {
	ID                  string
	Steps               *[]domain.CaseStep
	AnsweredQuestionIDs *[]string
	ProfileID           *string
	Status              *string
	Outcome             *string
	ClosureNotes        *string
	Tags                *[]string
	AttachmentIDs       *[]string
}

func (e Engine) UpdateRun(ctx context.Context, opts RunUpdateOptions) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, opts.ID)
	if err != nil {
		return domain.Run{}, err
	}
	if domain.IsTerminalRunStatus(run.Status) {
		return domain.Run{}, ErrAlreadyClosed
	}
	if opts.Status != nil {
		if domain.IsTerminalRunStatus(*opts.Status) {
			return domain.Run{}, ErrUseCloseOperation
		}
		if *opts.Status != domain.RunStatusActive {
			return domain.Run{}, validationErr(CodeInvalidSequence, fmt.Sprintf("unknown run status %q", *opts.Status), nil)
		}
	}
	if opts.ProfileID != nil {
		if *opts.ProfileID == "" {
			run.ProfileID = nil
		} else {
			if _, err := e.Repo.GetProfile(ctx, *opts.ProfileID); err != nil {
				return domain.Run{}, fmt.Errorf("profile %s: %w", *opts.ProfileID, err)
			}
			run.ProfileID = opts.ProfileID
		}
	}

	revalidate := false
	if opts.Steps != nil {
		run.Steps = nonNilSteps(*opts.Steps)
		revalidate = true
		if opts.AnsweredQuestionIDs == nil {
			// The answered sequence follows the new steps unless the
			// caller pins it explicitly.
			run.AnsweredQuestionIDs = nonNilStrings(deriveAnswered(run.Steps))
		}
	}
	if opts.AnsweredQuestionIDs != nil {
		run.AnsweredQuestionIDs = nonNilStrings(*opts.AnsweredQuestionIDs)
		revalidate = true
	}
	if revalidate {
		if len(run.AnsweredQuestionIDs) == 0 {
			run.AnsweredQuestionIDs = nonNilStrings(deriveAnswered(run.Steps))
		}
		g, err := e.loadQuestionGraph(ctx, run.FormID)
		if err != nil {
			return domain.Run{}, err
		}
		if err := e.validateAnswered(ctx, g, run.AnsweredQuestionIDs); err != nil {
			return domain.Run{}, err
		}
		if err := validateSteps(run.Steps, run.AnsweredQuestionIDs); err != nil {
			return domain.Run{}, err
		}
	}
	if opts.Outcome != nil {
		run.Outcome = optionalString(*opts.Outcome)
	}
	if opts.ClosureNotes != nil {
		run.ClosureNotes = optionalString(*opts.ClosureNotes)
	}
	if opts.Tags != nil {
		run.Tags = *opts.Tags
	}
	if opts.AttachmentIDs != nil {
		run.AttachmentIDs = *opts.AttachmentIDs
	}
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if revalidate {
		if err := e.appendRunMirror(ctx, tx, run); err != nil {
			return domain.Run{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.drainMirror(ctx)
	return run, nil
}

// RunCloseOptions carry the closure payload. Steps, Outcome, and ClosureNotes
// override the stored values when supplied; Extended selects the EXTENDED
// terminal status over COMPLETED.
type RunCloseOptions struct {
	ID           string
	Steps        []domain.CaseStep
	Outcome      string
	ClosureNotes string
	Extended     bool
}

// CloseRun transitions an active run to its terminal status and folds it into
// the case aggregate, which is returned alongside the closed run.
func (e Engine) CloseRun(ctx context.Context, opts RunCloseOptions) (domain.Run, domain.Case, error) {
	run, err := e.Repo.GetRun(ctx, opts.ID)
	if err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if domain.IsTerminalRunStatus(run.Status) {
		return domain.Run{}, domain.Case{}, ErrAlreadyClosed
	}

	steps := run.Steps
	if len(opts.Steps) > 0 {
		steps = opts.Steps
	}
	if len(steps) == 0 {
		return domain.Run{}, domain.Case{}, ErrMissingSteps
	}
	outcome := strings.TrimSpace(opts.Outcome)
	if outcome == "" && run.Outcome != nil {
		outcome = strings.TrimSpace(*run.Outcome)
	}
	if outcome == "" {
		return domain.Run{}, domain.Case{}, ErrMissingOutcome
	}
	closureNotes := strings.TrimSpace(opts.ClosureNotes)
	if closureNotes == "" && run.ClosureNotes != nil {
		closureNotes = strings.TrimSpace(*run.ClosureNotes)
	}

	answered := run.AnsweredQuestionIDs
	if len(opts.Steps) > 0 || len(answered) == 0 {
		answered = deriveAnswered(steps)
	}
	g, err := e.loadQuestionGraph(ctx, run.FormID)
	if err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if err := e.validateAnswered(ctx, g, answered); err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if err := validateSteps(steps, answered); err != nil {
		return domain.Run{}, domain.Case{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	run.Steps = nonNilSteps(steps)
	run.AnsweredQuestionIDs = nonNilStrings(answered)
	run.Outcome = &outcome
	run.ClosureNotes = optionalString(closureNotes)
	run.Status = domain.RunStatusCompleted
	if opts.Extended {
		run.Status = domain.RunStatusExtended
	}
	run.UpdatedAt = now
	run.CompletedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	defer tx.Rollback()

	// Recheck under the transaction so two concurrent closes cannot both
	// fold the run into the aggregate.
	current, err := e.Repo.GetRunTx(ctx, tx, run.ID)
	if err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if domain.IsTerminalRunStatus(current.Status) {
		return domain.Run{}, domain.Case{}, ErrAlreadyClosed
	}

	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	aggregate, err := e.upsertCase(ctx, tx, run, closureNotes, now)
	if err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if err := e.Repo.LinkRunCase(ctx, tx, run.ID, aggregate.ID); err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if err := e.appendRunMirror(ctx, tx, run); err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if err := e.appendCaseMirror(ctx, tx, aggregate); err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, domain.Case{}, err
	}
	e.drainMirror(ctx)
	return run, aggregate, nil
}

// upsertCase folds a closed run into its case aggregate. Dedup runs on the
// signature hash index, so concurrent closes of runs with the same signature
// converge on a single row with the combined frequency.
func (e Engine) upsertCase(ctx context.Context, tx *sql.Tx, run domain.Run, closureNotes, now string) (domain.Case, error) {
	candidate := domain.Case{
		ID:                  uuid.New().String(),
		TopicID:             run.TopicID,
		FormID:              run.FormID,
		Outcome:             *run.Outcome,
		SignatureHash:       SignatureHash(run.Steps),
		Steps:               run.Steps,
		AnsweredQuestionIDs: run.AnsweredQuestionIDs,
		ClosureNotes:        closureNotes,
		Frequency:           1,
		CreatedAt:           now,
		CompletedAt:         now,
	}
	return e.Repo.UpsertCase(ctx, tx, candidate)
}

func (e Engine) appendRunMirror(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	if err := e.Outbox.AppendNodeUpsert(ctx, tx, graph.KindRun, run.ID, run.FormID); err != nil {
		return err
	}
	return e.Outbox.AppendAnsweredReplace(ctx, tx, graph.KindRun, run.ID, run.AnsweredQuestionIDs)
}

func (e Engine) appendCaseMirror(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	if err := e.Outbox.AppendNodeUpsert(ctx, tx, graph.KindCase, c.ID, c.FormID); err != nil {
		return err
	}
	return e.Outbox.AppendAnsweredReplace(ctx, tx, graph.KindCase, c.ID, c.AnsweredQuestionIDs)
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilSteps(in []domain.CaseStep) []domain.CaseStep {
	if in == nil {
		return []domain.CaseStep{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
