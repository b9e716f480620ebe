package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"counselgraph/internal/engine"
	"counselgraph/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_violation"`
	Message string         `json:"message" example:"answer q2 depends on q1, which was not answered before it"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"question_id\":\"q2\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CounselGraph API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request validation errors are 400 bad_request;
			// 422 is reserved for closure preconditions.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(requestLogger(log))
	hcfg := huma.DefaultConfig("CounselGraph API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTopics(group, cfg.Engine)
	registerForms(group, cfg.Engine)
	registerQuestions(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerSimilar(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, ve.Code, ve.Message, ve.Details)
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyClosed):
		return newAPIError(http.StatusConflict, "already_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrUseCloseOperation):
		return newAPIError(http.StatusConflict, "use_close_operation", err.Error(), nil)
	case errors.Is(err, engine.ErrMissingSteps):
		return newAPIError(http.StatusUnprocessableEntity, "missing_steps", err.Error(), nil)
	case errors.Is(err, engine.ErrMissingOutcome):
		return newAPIError(http.StatusUnprocessableEntity, "missing_outcome", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CounselGraph API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTopics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-topic",
		Method:        http.MethodPost,
		Path:          "/topics",
		Summary:       "Create topic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTopicRequest `json:"body"`
	}) (*struct {
		Body TopicResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.CreateTopic(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TopicResponse `json:"body"`
		}{Body: topicResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-topics",
		Method:      http.MethodGet,
		Path:        "/topics",
		Summary:     "List topics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TopicResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTopics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TopicResponse `json:"body"`
		}{Body: mapTopics(items)}, nil
	})
}

func registerForms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-form",
		Method:        http.MethodPost,
		Path:          "/forms",
		Summary:       "Create form",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateFormRequest `json:"body"`
	}) (*struct {
		Body FormResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		f, err := e.CreateForm(ctx, input.Body.TopicID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FormResponse `json:"body"`
		}{Body: formResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}",
		Summary:     "Get form",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
	}) (*struct {
		Body FormResponse `json:"body"`
	}, error) {
		f, err := e.Repo.GetForm(ctx, input.FormID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FormResponse `json:"body"`
		}{Body: formResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-forms",
		Method:      http.MethodGet,
		Path:        "/forms",
		Summary:     "List forms",
	}, func(ctx context.Context, input *struct {
		TopicID string `query:"topic_id"`
	}) (*struct {
		Body []FormResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListForms(ctx, input.TopicID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]FormResponse, 0, len(items))
		for _, f := range items {
			out = append(out, formResponse(f))
		}
		return &struct {
			Body []FormResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerQuestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-question",
		Method:        http.MethodPost,
		Path:          "/questions",
		Summary:       "Create question",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateQuestionRequest `json:"body"`
	}) (*struct {
		Body QuestionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.FormID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "form_id is required", nil)
		}
		q, err := e.CreateQuestion(ctx, engine.QuestionCreateOptions{
			ID:               stringOrEmpty(input.Body.ID),
			FormID:           input.Body.FormID,
			Text:             input.Body.Text,
			ParentQuestionID: stringOrEmpty(input.Body.ParentQuestionID),
			ParentAnswerID:   stringOrEmpty(input.Body.ParentAnswerID),
			Source:           stringOrEmpty(input.Body.Source),
			AnswerType:       stringOrEmpty(input.Body.AnswerType),
			AnswerOptions:    decodeOptions(input.Body.AnswerOptions),
			Tags:             input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionResponse `json:"body"`
		}{Body: questionResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-question",
		Method:      http.MethodGet,
		Path:        "/questions/{question_id}",
		Summary:     "Get question",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionID string `path:"question_id"`
	}) (*struct {
		Body QuestionResponse `json:"body"`
	}, error) {
		q, err := e.Repo.GetQuestion(ctx, input.QuestionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionResponse `json:"body"`
		}{Body: questionResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-form-questions",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}/questions",
		Summary:     "List a form's questions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
	}) (*struct {
		Body []QuestionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetForm(ctx, input.FormID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListQuestions(ctx, input.FormID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QuestionResponse `json:"body"`
		}{Body: mapQuestions(items)}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-profile",
		Method:        http.MethodPost,
		Path:          "/profiles",
		Summary:       "Create profile",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProfileRequest `json:"body"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.CreateProfile(ctx, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{profile_id}",
		Summary:     "Get profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProfileID string `path:"profile_id"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProfile(ctx, input.ProfileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Open a run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.FormID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "form_id is required", nil)
		}
		run, err := e.CreateRun(ctx, engine.RunCreateOptions{
			FormID:              input.Body.FormID,
			ProfileID:           stringOrEmpty(input.Body.ProfileID),
			Steps:               decodeSteps(input.Body.Steps),
			AnsweredQuestionIDs: input.Body.AnsweredQuestionIDs,
			Tags:                input.Body.Tags,
			AttachmentIDs:       input.Body.AttachmentIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		FormID string `query:"form_id"`
		Status string `query:"status" enum:",ACTIVE,COMPLETED,EXTENDED"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			FormID: input.FormID,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-run",
		Method:      http.MethodPatch,
		Path:        "/runs/{run_id}",
		Summary:     "Update an active run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  UpdateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts := engine.RunUpdateOptions{
			ID:                  input.RunID,
			AnsweredQuestionIDs: input.Body.AnsweredQuestionIDs,
			ProfileID:           input.Body.ProfileID,
			Status:              input.Body.Status,
			Outcome:             input.Body.Outcome,
			ClosureNotes:        input.Body.ClosureNotes,
			Tags:                input.Body.Tags,
			AttachmentIDs:       input.Body.AttachmentIDs,
		}
		if input.Body.Steps != nil {
			steps := decodeSteps(*input.Body.Steps)
			opts.Steps = &steps
		}
		run, err := e.UpdateRun(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/close",
		Summary:     "Close a run and fold it into its case",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  CloseRunRequest `json:"body"`
	}) (*struct {
		Body ClosedRunResponse `json:"body"`
	}, error) {
		run, aggregate, err := e.CloseRun(ctx, engine.RunCloseOptions{
			ID:           input.RunID,
			Steps:        decodeSteps(input.Body.Steps),
			Outcome:      input.Body.Outcome,
			ClosureNotes: input.Body.ClosureNotes,
			Extended:     input.Body.Extended,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClosedRunResponse `json:"body"`
		}{Body: ClosedRunResponse{Run: runResponse(run), Case: caseResponse(aggregate)}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-case",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/case",
		Summary:     "Get the case a closed run folded into",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.Repo.CaseForRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-form-cases",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}/cases",
		Summary:     "List a form's cases by descending frequency",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []CaseResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetForm(ctx, input.FormID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCases(ctx, input.FormID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CaseResponse `json:"body"`
		}{Body: mapCases(items)}, nil
	})
}

func registerSimilar(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "similar-to-entity",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}/similar",
		Summary:     "Rank cases similar to a run or case",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FormID   string `path:"form_id"`
		EntityID string `query:"entity_id" required:"true"`
		Limit    int    `query:"limit" minimum:"0" maximum:"25"`
	}) (*struct {
		Body []ScoredCaseResponse `json:"body"`
	}, error) {
		if input.EntityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_id is required", nil)
		}
		scored, err := e.SimilarToEntity(ctx, input.FormID, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ScoredCaseResponse `json:"body"`
		}{Body: mapScored(scored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "similar-to-answer-set",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/similar",
		Summary:     "Rank cases similar to an inline answer set",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FormID string                    `path:"form_id"`
		Body   SimilarByAnswerSetRequest `json:"body"`
	}) (*struct {
		Body []ScoredCaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		scored, err := e.SimilarToAnswerSet(ctx, input.FormID, input.Body.AnsweredQuestionIDs, input.Body.ExcludeID, input.Body.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ScoredCaseResponse `json:"body"`
		}{Body: mapScored(scored)}, nil
	})
}
