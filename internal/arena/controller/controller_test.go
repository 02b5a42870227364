package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"aipilot/internal/arena/model"
	"aipilot/internal/arena/service"
	appErr "aipilot/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeJobs struct {
	states    map[string]model.JobState
	lastLimit int
}

func (f *fakeJobs) Get(ctx context.Context, id string) (model.JobState, error) {
	s, ok := f.states[id]
	if !ok {
		return model.JobState{}, appErr.New(appErr.JobNotFound)
	}
	return s, nil
}

func (f *fakeJobs) Recent(ctx context.Context, limit int) ([]model.JobState, error) {
	f.lastLimit = limit
	var out []model.JobState
	for _, s := range f.states {
		out = append(out, s)
	}
	return out, nil
}

type fakeStats struct{}

func (fakeStats) PilotStats(ctx context.Context, name string) (*service.PilotStats, error) {
	if name != "alpha" {
		return nil, appErr.New(appErr.PilotNotFound)
	}
	return &service.PilotStats{Name: "alpha", Wins: 3}, nil
}

type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

func newRouter(jobs *fakeJobs) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewArenaController(jobs, fakeStats{}).RegisterRoutes(r)
	return r
}

func get(t *testing.T, r http.Handler, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
	}
	return rec, env
}

func TestGetJob(t *testing.T) {
	jobs := &fakeJobs{states: map[string]model.JobState{
		"j1": {JobID: "j1", Status: model.StatusPersisted, Winner: model.SideA},
	}}
	r := newRouter(jobs)

	rec, env := get(t, r, "/api/v1/arena/jobs/j1")
	if rec.Code != http.StatusOK || env.Code != int(appErr.Success) {
		t.Fatalf("unexpected response %d %+v", rec.Code, env)
	}
	var state model.JobState
	if err := json.Unmarshal(env.Data, &state); err != nil || state.Status != model.StatusPersisted {
		t.Fatalf("unexpected job %+v %v", state, err)
	}

	rec, env = get(t, r, "/api/v1/arena/jobs/missing")
	if rec.Code != http.StatusNotFound || env.Code != int(appErr.JobNotFound) {
		t.Fatalf("expected 404 JobNotFound, got %d %+v", rec.Code, env)
	}
}

func TestRecentJobsLimit(t *testing.T) {
	jobs := &fakeJobs{states: map[string]model.JobState{}}
	r := newRouter(jobs)

	if rec, _ := get(t, r, "/api/v1/arena/jobs?limit=5000"); rec.Code != http.StatusOK || jobs.lastLimit != maxRecentJobs {
		t.Fatalf("expected clamped limit, got %d %d", rec.Code, jobs.lastLimit)
	}
	if rec, _ := get(t, r, "/api/v1/arena/jobs?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestGetPilotStats(t *testing.T) {
	r := newRouter(&fakeJobs{})
	if rec, _ := get(t, r, "/api/v1/arena/pilots/alpha/stats"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec, _ := get(t, r, "/api/v1/arena/pilots/ghost/stats"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHealthController(
		HealthCheck{Name: "db", Ping: func(context.Context) error { return nil }},
		HealthCheck{Name: "cache", Ping: func(context.Context) error { return errors.New("down") }},
	).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Checks["db"] != "ok" || body.Checks["cache"] != "down" {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}
