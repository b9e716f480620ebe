package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"counselgraph/internal/config"
	"counselgraph/internal/db"
	"counselgraph/internal/engine"
	"counselgraph/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// seedForm creates a topic, a form, and two questions (root q1, child q2)
// over the API, returning the form id.
func seedForm(t *testing.T, srv *testServer) string {
	t.Helper()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/topics", map[string]any{"name": "Tenancy"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create topic status %d: %s", res.StatusCode, string(data))
	}
	var topic TopicResponse
	if err := json.Unmarshal(data, &topic); err != nil {
		t.Fatalf("unmarshal topic: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/forms", map[string]any{
		"topic_id": topic.ID,
		"name":     "Eviction intake",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create form status %d: %s", res.StatusCode, string(data))
	}
	var form FormResponse
	if err := json.Unmarshal(data, &form); err != nil {
		t.Fatalf("unmarshal form: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/questions", map[string]any{
		"id":      "q1",
		"form_id": form.ID,
		"text":    "Did you receive a written notice?",
		"answer_options": []map[string]any{
			{"id": "o1", "label": "Yes"},
			{"id": "o2", "label": "No", "terminal": true},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create q1 status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/questions", map[string]any{
		"id":                 "q2",
		"form_id":            form.ID,
		"text":               "How many days of notice?",
		"parent_question_id": "q1",
		"parent_answer_id":   "o1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create q2 status %d: %s", res.StatusCode, string(data))
	}
	return form.ID
}

func TestRunLifecycleOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := seedForm(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs", map[string]any{
		"form_id": formID,
		"steps": []map[string]any{
			{"question_id": "q1", "answer": "yes"},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != "ACTIVE" {
		t.Fatalf("status = %s, want ACTIVE", run.Status)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/runs/"+run.ID, map[string]any{
		"steps": []map[string]any{
			{"question_id": "q1", "answer": "yes"},
			{"question_id": "q2", "answer": "30"},
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update run status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs/"+run.ID+"/close", map[string]any{
		"outcome":       "granted",
		"closure_notes": "standard notice",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close run status %d: %s", res.StatusCode, string(data))
	}
	var closed ClosedRunResponse
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed run: %v", err)
	}
	if closed.Run.Status != "COMPLETED" {
		t.Fatalf("status = %s, want COMPLETED", closed.Run.Status)
	}
	if closed.Case.Frequency != 1 || closed.Case.Outcome != "granted" {
		t.Fatalf("case = %+v, want frequency 1 outcome granted", closed.Case)
	}

	// Second close conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs/"+run.ID+"/close", map[string]any{
		"outcome": "granted",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second close status %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envlp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envlp.Error.Code != "already_closed" {
		t.Fatalf("code = %s, want already_closed", envlp.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/"+run.ID+"/case", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run case status %d: %s", res.StatusCode, string(data))
	}
	var linked CaseResponse
	if err := json.Unmarshal(data, &linked); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if linked.ID != closed.Case.ID {
		t.Fatalf("linked case = %s, want %s", linked.ID, closed.Case.ID)
	}
}

func TestCloseWithoutOutcomeOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := seedForm(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs", map[string]any{
		"form_id": formID,
		"steps":   []map[string]any{{"question_id": "q1", "answer": "yes"}},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs/"+run.ID+"/close", map[string]any{})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Code != "missing_outcome" {
		t.Fatalf("code = %s, want missing_outcome", envlp.Error.Code)
	}
}

func TestValidationErrorOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := seedForm(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs", map[string]any{
		"form_id":               formID,
		"answered_question_ids": []string{"q2"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Code != "dependency_violation" {
		t.Fatalf("code = %s, want dependency_violation", envlp.Error.Code)
	}
}

func TestNotFoundOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestSimilarOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := seedForm(t, srv)

	closeRun := func(stepList []map[string]any) CaseResponse {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs", map[string]any{
			"form_id": formID,
			"steps":   stepList,
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
		}
		var run RunResponse
		if err := json.Unmarshal(data, &run); err != nil {
			t.Fatal(err)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs/"+run.ID+"/close", map[string]any{"outcome": "granted"})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("close run status %d: %s", res.StatusCode, string(data))
		}
		var closed ClosedRunResponse
		if err := json.Unmarshal(data, &closed); err != nil {
			t.Fatal(err)
		}
		return closed.Case
	}

	both := closeRun([]map[string]any{
		{"question_id": "q1", "answer": "yes"},
		{"question_id": "q2", "answer": "30"},
	})
	closeRun([]map[string]any{
		{"question_id": "q1", "answer": "no"},
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/forms/"+formID+"/similar", map[string]any{
		"answered_question_ids": []string{"q1", "q2"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("similar status %d: %s", res.StatusCode, string(data))
	}
	var scored []ScoredCaseResponse
	if err := json.Unmarshal(data, &scored); err != nil {
		t.Fatalf("unmarshal scored: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d results, want 2", len(scored))
	}
	if scored[0].Case.ID != both.ID || scored[0].Score != 1.0 {
		t.Fatalf("top = %s score %.3f, want the full-overlap case at 1.0", scored[0].Case.ID, scored[0].Score)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/forms/"+formID+"/similar?entity_id="+both.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("similar by entity status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &scored); err != nil {
		t.Fatal(err)
	}
	for _, s := range scored {
		if s.Case.ID == both.ID {
			t.Fatal("entity leaked into its own results")
		}
	}
}

func TestListCasesOrderOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := seedForm(t, srv)

	closeRun := func(answer string) {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs", map[string]any{
			"form_id": formID,
			"steps":   []map[string]any{{"question_id": "q1", "answer": answer}},
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
		}
		var run RunResponse
		if err := json.Unmarshal(data, &run); err != nil {
			t.Fatal(err)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/runs/"+run.ID+"/close", map[string]any{"outcome": "granted"})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("close run status %d: %s", res.StatusCode, string(data))
		}
	}
	closeRun("yes")
	closeRun("yes")
	closeRun("no")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/forms/"+formID+"/cases", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list cases status %d: %s", res.StatusCode, string(data))
	}
	var cases []CaseResponse
	if err := json.Unmarshal(data, &cases); err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 {
		t.Fatalf("got %d cases, want 2", len(cases))
	}
	if cases[0].Frequency != 2 || cases[1].Frequency != 1 {
		t.Fatalf("frequencies = %d,%d, want descending 2,1", cases[0].Frequency, cases[1].Frequency)
	}
}
