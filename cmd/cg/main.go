package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"counselgraph/internal/app"
	"counselgraph/internal/config"
	"counselgraph/internal/db"
	"counselgraph/internal/domain"
	"counselgraph/internal/engine"
	"counselgraph/internal/repo"
	"counselgraph/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cg",
	Short: "CounselGraph CLI",
	Long: `CounselGraph runs legal intake interviews and aggregates closed runs into cases.
- Workspace: the .counselgraph directory holding the SQLite database.
- Topics and forms define interview questionnaires; questions form a branching graph.
- Runs are in-progress interviews; closing a run folds it into a deduplicated case.
- Cases carry a frequency counter and feed the similarity ranking.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("COUNSELGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(topicCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(similarCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			env, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer env.Close()
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "validate this config file instead of the workspace one")
	cfg.AddCommand(validate)
	return cfg
}

func topicCmd() *cobra.Command {
	topic := &cobra.Command{Use: "topic", Short: "Manage topics"}
	topic.AddCommand(topicAddCmd())
	topic.AddCommand(topicListCmd())
	return topic
}

func topicAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTopic(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "topic name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func topicListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTopics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func formCmd() *cobra.Command {
	form := &cobra.Command{Use: "form", Short: "Manage forms"}
	form.AddCommand(formAddCmd())
	form.AddCommand(formListCmd())
	return form
}

func formAddCmd() *cobra.Command {
	var topicID, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateForm(ctx, topicID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&topicID, "topic", "", "topic id")
	cmd.Flags().StringVar(&name, "name", "", "form name")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func formListCmd() *cobra.Command {
	var topicID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListForms(ctx, topicID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Topic", "Name", "Created"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.ID, f.TopicID, f.Name, f.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&topicID, "topic", "", "topic filter")
	return cmd
}

func questionCmd() *cobra.Command {
	q := &cobra.Command{Use: "question", Short: "Manage questions"}
	q.AddCommand(questionAddCmd())
	q.AddCommand(questionListCmd())
	return q
}

func questionAddCmd() *cobra.Command {
	var opts engine.QuestionCreateOptions
	var optionsJSON, tags string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a question to a form",
		RunE: func(cmd *cobra.Command, args []string) error {
			if optionsJSON != "" {
				if err := json.Unmarshal([]byte(optionsJSON), &opts.AnswerOptions); err != nil {
					return fmt.Errorf("parse --options: %w", err)
				}
			}
			if tags != "" {
				opts.Tags = strings.Split(tags, ",")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.CreateQuestion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "question id (generated if empty)")
	cmd.Flags().StringVar(&opts.FormID, "form", "", "form id")
	cmd.Flags().StringVar(&opts.Text, "text", "", "question text")
	cmd.Flags().StringVar(&opts.ParentQuestionID, "parent-question", "", "parent question id")
	cmd.Flags().StringVar(&opts.ParentAnswerID, "parent-answer", "", "parent answer option id")
	cmd.Flags().StringVar(&opts.Source, "source", "", "legal source reference")
	cmd.Flags().StringVar(&opts.AnswerType, "answer-type", "", "answer type")
	cmd.Flags().StringVar(&optionsJSON, "options", "", "answer options as JSON array")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func questionListCmd() *cobra.Command {
	var formID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a form's questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListQuestions(ctx, formID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Text", "Parent", "Options"})
				for _, q := range items {
					parent := ""
					if q.ParentQuestionID != nil {
						parent = *q.ParentQuestionID
					}
					tw.AppendRow(table.Row{q.ID, q.Text, parent, len(q.AnswerOptions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id")
	_ = cmd.MarkFlagRequired("form")
	return cmd
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Manage profiles"}
	p.AddCommand(profileAddCmd())
	return p
}

func profileAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProfile(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage interview runs"}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runUpdateCmd())
	run.AddCommand(runCloseCmd())
	return run
}

// readSteps decodes a steps payload from inline JSON or a file path.
func readSteps(inline, file string) ([]domain.CaseStep, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, nil
	}
	var steps []domain.CaseStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("parse steps: %w", err)
	}
	return steps, nil
}

func runCreateCmd() *cobra.Command {
	var formID, profileID, stepsJSON, stepsFile, answered string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := readSteps(stepsJSON, stepsFile)
			if err != nil {
				return err
			}
			opts := engine.RunCreateOptions{
				FormID:    formID,
				ProfileID: profileID,
				Steps:     steps,
			}
			if answered != "" {
				opts.AnsweredQuestionIDs = strings.Split(answered, ",")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id")
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id")
	cmd.Flags().StringVar(&stepsJSON, "steps", "", "steps as JSON array")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "path to steps JSON file")
	cmd.Flags().StringVar(&answered, "answered", "", "comma-separated answered question ids")
	_ = cmd.MarkFlagRequired("form")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Form", "Status", "Answered", "Updated"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.FormID, run.Status, len(run.AnsweredQuestionIDs), run.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.FormID, "form", "", "form filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func runUpdateCmd() *cobra.Command {
	var stepsJSON, stepsFile, answered, profileID, outcome, notes string
	cmd := &cobra.Command{
		Use:   "update <run-id>",
		Short: "Update an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RunUpdateOptions{ID: args[0]}
			steps, err := readSteps(stepsJSON, stepsFile)
			if err != nil {
				return err
			}
			if steps != nil {
				opts.Steps = &steps
			}
			if cmd.Flags().Changed("answered") {
				ids := []string{}
				if answered != "" {
					ids = strings.Split(answered, ",")
				}
				opts.AnsweredQuestionIDs = &ids
			}
			if cmd.Flags().Changed("profile") {
				opts.ProfileID = &profileID
			}
			if cmd.Flags().Changed("outcome") {
				opts.Outcome = &outcome
			}
			if cmd.Flags().Changed("notes") {
				opts.ClosureNotes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.UpdateRun(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&stepsJSON, "steps", "", "steps as JSON array")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "path to steps JSON file")
	cmd.Flags().StringVar(&answered, "answered", "", "comma-separated answered question ids")
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id (empty clears)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "provisional outcome")
	cmd.Flags().StringVar(&notes, "notes", "", "closure notes")
	return cmd
}

func runCloseCmd() *cobra.Command {
	var stepsJSON, stepsFile, outcome, notes string
	var extended bool
	cmd := &cobra.Command{
		Use:   "close <run-id>",
		Short: "Close a run and fold it into its case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := readSteps(stepsJSON, stepsFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, aggregate, err := e.CloseRun(ctx, engine.RunCloseOptions{
					ID:           args[0],
					Steps:        steps,
					Outcome:      outcome,
					ClosureNotes: notes,
					Extended:     extended,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"run": run, "case": aggregate})
			})
		},
	}
	cmd.Flags().StringVar(&stepsJSON, "steps", "", "steps as JSON array")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "path to steps JSON file")
	cmd.Flags().StringVar(&outcome, "outcome", "", "final outcome")
	cmd.Flags().StringVar(&notes, "notes", "", "closure notes")
	cmd.Flags().BoolVar(&extended, "extended", false, "close as EXTENDED instead of COMPLETED")
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Inspect cases"}
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseListCmd())
	return c
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseListCmd() *cobra.Command {
	var formID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a form's cases by descending frequency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCases(ctx, formID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Outcome", "Frequency", "Completed"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Outcome, c.Frequency, c.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	_ = cmd.MarkFlagRequired("form")
	return cmd
}

func similarCmd() *cobra.Command {
	var formID, entityID string
	var limit int
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "Rank cases similar to a run or case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scored, err := e.SimilarToEntity(ctx, formID, entityID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scored)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Case", "Outcome", "Score", "Frequency"})
				for _, s := range scored {
					tw.AppendRow(table.Row{s.Case.ID, s.Case.Outcome, fmt.Sprintf("%.3f", s.Score), s.Case.Frequency})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id")
	cmd.Flags().StringVar(&entityID, "entity", "", "run or case id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func graphCmd() *cobra.Command {
	g := &cobra.Command{Use: "graph", Short: "Manage the similarity graph mirror"}
	g.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Apply pending graph mirror entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Drainer.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Println("applied", n, "entries")
				return nil
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the graph mirror from the primary store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Graph.Rebuild(ctx); err != nil {
					return err
				}
				fmt.Println("graph rebuilt")
				return nil
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List pending mirror entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Drainer.Pending(ctx, 100)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	})
	return g
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer env.Close()
			if addr == "" {
				addr = env.Config.Server.Addr
			}
			if basePath == "" {
				basePath = env.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CounselGraph API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	env, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, repo.Repo{DB: env.DB})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
