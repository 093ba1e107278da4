package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucasnoah/agentflow/internal/db"
	"github.com/lucasnoah/agentflow/internal/orchestrator"
	"github.com/lucasnoah/agentflow/internal/pipeline"
)

type fakeStatus struct {
	infos []orchestrator.StatusInfo
}

func (f *fakeStatus) Status(_ context.Context, entity int) (*orchestrator.StatusInfo, error) {
	for i := range f.infos {
		if f.infos[i].Entity == entity {
			return &f.infos[i], nil
		}
	}
	return nil, fmt.Errorf("get state: %w", pipeline.ErrNotFound)
}

func (f *fakeStatus) StatusAll(context.Context) ([]orchestrator.StatusInfo, error) {
	return f.infos, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	journal, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })
	if err := journal.Migrate(); err != nil {
		t.Fatal(err)
	}
	err = journal.LogPipelineEvent(context.Background(), db.PipelineEvent{
		Entity: 42, Event: "change_request_merged", Phase: "spec", Outcome: db.OutcomeOK, Detail: "plan phase started",
	})
	if err != nil {
		t.Fatal(err)
	}

	status := &fakeStatus{infos: []orchestrator.StatusInfo{
		{
			Entity: 42, Status: "active", Phase: "plan", Version: 4, Progress: 33,
			Phases: []orchestrator.PhaseInfo{
				{Name: "spec", Status: "done", Issue: 101, PR: 200},
				{Name: "plan", Status: "in-progress", Issue: 102},
				{Name: "execution", Status: "pending"},
			},
			Tasks: []*pipeline.TaskRuntime{
				{TaskKey: "task-docs", Title: "Write the README", Level: "l1", Status: pipeline.TaskPending},
			},
		},
		{Entity: 7, Status: "done", Version: 12, Progress: 100},
	}}
	return NewServer(status, journal, ":0", nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDashboard(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := get(t, h, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	for _, want := range []string{"(1 active)", `href="/entity/42"`, "#7", "change_request_merged", "plan phase started"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestEntityPage(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := get(t, h, "/entity/42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	for _, want := range []string{"<strong>plan</strong>", "#200", "task-docs", "Write the README", "badge-pending"} {
		if !strings.Contains(body, want) {
			t.Errorf("entity page missing %q", want)
		}
	}
}

func TestRouting(t *testing.T) {
	h := newTestServer(t).Handler()
	tests := []struct {
		path string
		code int
		want string
	}{
		{"/entity/abc", http.StatusBadRequest, "invalid entity"},
		{"/entity/99", http.StatusNotFound, "not found"},
		{"/nope", http.StatusNotFound, ""},
		{"/api/entities", http.StatusOK, `"entity": 42`},
		{"/api/entities/7", http.StatusOK, `"progress": 100`},
		{"/api/entities/99", http.StatusNotFound, ""},
		{"/api/entities/42/events", http.StatusOK, `"event": "change_request_merged"`},
		{"/api/entities/7/events", http.StatusOK, "[]"},
		{"/api/entities/42/other", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body)
			}
			if tt.want != "" && !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body missing %q:\n%s", tt.want, rec.Body)
			}
		})
	}
}

func TestWithoutJournal(t *testing.T) {
	s := NewServer(&fakeStatus{}, nil, ":0", nil)
	rec := get(t, s.Handler(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "No entities found.") {
		t.Errorf("unexpected body:\n%s", rec.Body)
	}
}

func TestRelTime(t *testing.T) {
	if got := relTime("not a time"); got != "not a time" {
		t.Errorf("relTime passthrough = %q", got)
	}
	if got := relTime("2000-01-02 15:04:05"); !strings.HasSuffix(got, "d ago") {
		t.Errorf("relTime old = %q", got)
	}
}
