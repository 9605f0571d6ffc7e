package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/itstheanurag/playground/internal/executor"
	"github.com/itstheanurag/playground/internal/templates"
	"github.com/itstheanurag/playground/internal/toolchain"
	"github.com/itstheanurag/playground/internal/workspace"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type fakeRunner struct {
	result *executor.ExecutionResult
	err    error

	calls int
	op    toolchain.Operation
	files workspace.FileSet
}

func (f *fakeRunner) Execute(ctx context.Context, op toolchain.Operation, files workspace.FileSet) (*executor.ExecutionResult, error) {
	f.calls++
	f.op = op
	f.files = files
	return f.result, f.err
}

func (f *fakeRunner) Generate(ctx context.Context, name string) (*executor.GenerateResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &executor.GenerateResult{
		ExecutionResult: *f.result,
		Name:            name,
		Files:           workspace.FileSet{"Move.toml": "[package]"},
	}, nil
}

func newTestHandler(t *testing.T, runner Runner, maxBody int64) *Handler {
	t.Helper()
	logger := zerolog.Nop()
	catalog, err := templates.NewCatalog(afero.NewMemMapFs(), "", &logger)
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(runner, catalog, maxBody, &logger)
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &fakeRunner{}, 1024)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestBuild_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     *executor.ExecutionResult
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "success",
			result:     &executor.ExecutionResult{Success: true, Output: "BUILDING", SessionID: "s1"},
			wantStatus: http.StatusOK,
		},
		{
			name: "toolchain failure",
			result: &executor.ExecutionResult{
				Success: false, Error: "build failed with exit code 1", Kind: executor.KindToolchain, ExitCode: 1,
			},
			wantStatus: http.StatusInternalServerError,
			wantKind:   "toolchain",
		},
		{
			name: "timeout",
			result: &executor.ExecutionResult{
				Success: false, Error: "build timed out after 1m0s", Kind: executor.KindTimeout, ExitCode: -1,
			},
			wantStatus: http.StatusInternalServerError,
			wantKind:   "timeout",
		},
		{
			name:       "validation",
			err:        fmt.Errorf("%w: Move.toml is required", workspace.ErrValidation),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unexpected error",
			err:        toolchain.ErrOperationNotFound,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: tt.result, err: tt.err}
			h := newTestHandler(t, runner, 1<<20)

			rec := post(h.Build, `{"files":{"Move.toml":"[package]"}}`)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if runner.op != toolchain.OpBuild {
				t.Errorf("operation = %q, want build", runner.op)
			}

			body := decodeBody(t, rec)
			if tt.wantKind != "" && body["kind"] != tt.wantKind {
				t.Errorf("kind = %v, want %s", body["kind"], tt.wantKind)
			}
			if tt.wantStatus != http.StatusOK && body["success"] != false {
				t.Errorf("success = %v, want false", body["success"])
			}
		})
	}
}

func TestTest_UsesTestOperation(t *testing.T) {
	runner := &fakeRunner{result: &executor.ExecutionResult{Success: true}}
	h := newTestHandler(t, runner, 1<<20)

	if rec := post(h.Test, `{"files":{"Move.toml":"[package]"}}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if runner.op != toolchain.OpTest {
		t.Errorf("operation = %q, want test", runner.op)
	}
}

func TestBuild_BadBodies(t *testing.T) {
	runner := &fakeRunner{result: &executor.ExecutionResult{Success: true}}
	h := newTestHandler(t, runner, 64)

	if rec := post(h.Build, `{"files":`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rec.Code)
	}

	big := fmt.Sprintf(`{"files":{"Move.toml":%q}}`, strings.Repeat("x", 200))
	if rec := post(h.Build, big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", rec.Code)
	}

	if runner.calls != 0 {
		t.Errorf("runner called %d times for rejected bodies", runner.calls)
	}
}

func TestBuild_SeedsFromTemplate(t *testing.T) {
	runner := &fakeRunner{result: &executor.ExecutionResult{Success: true}}
	h := newTestHandler(t, runner, 1<<20)

	rec := post(h.Build, `{"template":"counter","files":{"sources/extra.move":"module x::y;"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := runner.files["Move.toml"]; !ok {
		t.Error("template manifest was not included")
	}
	if _, ok := runner.files["sources/extra.move"]; !ok {
		t.Error("submitted file was dropped")
	}

	rec = post(h.Build, `{"template":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown template status = %d, want 404", rec.Code)
	}
}

func TestTemplates(t *testing.T) {
	h := newTestHandler(t, &fakeRunner{}, 1024)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /templates", h.ListTemplates)
	mux.HandleFunc("GET /templates/{name}", h.GetTemplate)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/templates", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Templates []templates.Summary `json:"templates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Templates) != 2 || list.Templates[0].Name != "counter" {
		t.Errorf("templates = %+v", list.Templates)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/templates/hello_world", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var tmpl templates.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &tmpl); err != nil {
		t.Fatal(err)
	}
	if tmpl.Name != "hello_world" || len(tmpl.Files) == 0 {
		t.Errorf("template = %+v", tmpl)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/templates/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing template status = %d, want 404", rec.Code)
	}
}

func TestCreateTemplate(t *testing.T) {
	runner := &fakeRunner{result: &executor.ExecutionResult{Success: true, SessionID: "s1"}}
	h := newTestHandler(t, runner, 1024)

	rec := post(h.CreateTemplate, `{"name":"my_app"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["name"] != "my_app" {
		t.Errorf("name = %v", body["name"])
	}
	if files, ok := body["files"].(map[string]any); !ok || files["Move.toml"] == nil {
		t.Errorf("files = %v", body["files"])
	}

	runner.err = fmt.Errorf("%w: invalid project name", workspace.ErrValidation)
	if rec := post(h.CreateTemplate, `{"name":"../x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad name status = %d, want 400", rec.Code)
	}
}
