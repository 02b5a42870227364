package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/arena/sandbox"
	appErr "aipilot/pkg/errors"
)

type runFunc func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error)

type fakeRunner struct {
	mu    sync.Mutex
	fn    runFunc
	specs []sandbox.RunSpec
}

func (f *fakeRunner) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, req.Spec)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeRunner) lastSpec() sandbox.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

// emit writes lines the way a simulation would and exits with code.
func emit(code int, lines ...string) runFunc {
	return func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
		for _, line := range lines {
			if req.Log != nil {
				io.WriteString(req.Log, line+"\n")
			}
			if req.OnStdout != nil {
				req.OnStdout(line)
			}
		}
		return sandbox.RunResult{ExitCode: code}, nil
	}
}

type fakeArtifacts struct {
	missing string
}

func (f *fakeArtifacts) Resolve(ctx context.Context, artifactID string) (string, error) {
	if artifactID == f.missing {
		return "", appErr.New(appErr.ArtifactNotFound)
	}
	return "/artifacts/" + artifactID + ".zip", nil
}

type fakeResults struct {
	mu    sync.Mutex
	items []*model.MatchResult
	err   error
}

func (f *fakeResults) Insert(ctx context.Context, r *model.MatchResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, r)
	return nil
}

func (f *fakeResults) all() []*model.MatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.MatchResult(nil), f.items...)
}

type fakeFailures struct {
	mu   sync.Mutex
	refs []model.TeamRef
}

func (f *fakeFailures) RecordFailure(ctx context.Context, a, b model.TeamRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, a, b)
	return nil
}

type fakeJobs struct {
	mu     sync.Mutex
	states []model.JobState
}

func (f *fakeJobs) Save(ctx context.Context, s model.JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeJobs) statuses(jobID string) []model.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.JobStatus
	for _, s := range f.states {
		if s.JobID == jobID {
			out = append(out, s.Status)
		}
	}
	return out
}

type fixture struct {
	exec     *Executor
	runner   *fakeRunner
	results  *fakeResults
	failures *fakeFailures
	jobs     *fakeJobs
	simDir   string
	logDir   string
}

func newFixture(t *testing.T, fn runFunc, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		runner:   &fakeRunner{fn: fn},
		results:  &fakeResults{},
		failures: &fakeFailures{},
		jobs:     &fakeJobs{},
		simDir:   filepath.Join(root, "sim"),
		logDir:   filepath.Join(root, "logs"),
	}
	extractor, err := sandbox.NewMarkerExtractor(sandbox.MarkerConfig{})
	if err != nil {
		t.Fatalf("NewMarkerExtractor failed: %v", err)
	}
	cfg := Config{
		Runner:    f.runner,
		Extractor: extractor,
		Artifacts: &fakeArtifacts{missing: "missing"},
		Results:   f.results,
		Failures:  f.failures,
		Jobs:      f.jobs,
		Image:     "sim:test",
		MapDir:    filepath.Join(root, "map"),
		LogDir:    f.logDir,
		SimDir:    f.simDir,
		Coin:      func() bool { return true },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.exec, err = New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

func testPilot(id, name string, version int) *model.Pilot {
	return &model.Pilot{ID: id, Name: name, Current: model.PilotVersion{Version: version, ArtifactID: "art-" + id}}
}

func wait(t *testing.T, h *Handle) (*model.MatchExecutionResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job %s did not finish", h.ID)
	}
	return res, err
}

func TestExecutePersistsWinner(t *testing.T) {
	f := newFixture(t, emit(0, "booting", "[INFO] [HSGE] Winning team: SideA"), nil)
	a, b := testPilot("p1", "alpha", 2), testPilot("p2", "bravo", 1)

	h := f.exec.Execute(context.Background(), a, b, false)
	res, err := wait(t, h)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if h.Status() != model.StatusPersisted {
		t.Fatalf("expected Persisted, got %s", h.Status())
	}
	stored := f.results.all()
	if len(stored) != 1 || stored[0] != res.Result {
		t.Fatalf("expected the returned result to be stored once, got %v", stored)
	}
	r := res.Result
	if r.TeamA != a.CurrentRef() || r.TeamB != b.CurrentRef() || r.Winner != model.SideA || r.ManualRun {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.NormalizedName != "alpha_v2_vs_bravo_v1" || res.SimDir != "" {
		t.Fatalf("unexpected execution result: %+v", res)
	}

	spec := f.runner.lastSpec()
	if spec.Name != "aip-match-p1-p2" {
		t.Fatalf("unexpected container name %s", spec.Name)
	}
	for _, m := range spec.Mounts {
		if !m.ReadOnly {
			t.Fatalf("scheduled runs must only have read-only mounts: %+v", m)
		}
	}

	data, err := os.ReadFile(res.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	if !strings.Contains(log, "Match started") || !strings.Contains(log, "booting") ||
		!strings.Contains(log, "Match finished with code 0. Winning team: SideA") {
		t.Fatalf("unexpected log: %s", log)
	}

	got := f.jobs.statuses(h.ID)
	want := []model.JobStatus{model.StatusPending, model.StatusRunning, model.StatusPersisted}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected job states %v", got)
	}
}

func TestExecuteAssignsSidesByCoin(t *testing.T) {
	f := newFixture(t, emit(0, "[INFO] [HSGE] Winning team: SideA"), func(c *Config) {
		c.Coin = func() bool { return false }
	})
	a, b := testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1)
	res, err := wait(t, f.exec.Execute(context.Background(), a, b, false))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Result.TeamA.PilotID != "p2" || res.Result.TeamB.PilotID != "p1" {
		t.Fatalf("expected swapped sides, got %+v", res.Result)
	}
	if f.runner.lastSpec().Name != "aip-match-p2-p1" {
		t.Fatalf("container name must follow side order")
	}
}

func TestExecuteLastMarkerWins(t *testing.T) {
	f := newFixture(t, emit(0,
		"[INFO] [HSGE] Winning team: SideA",
		"[INFO] [HSGE] Winning team: SideB",
	), nil)
	res, err := wait(t, f.exec.Execute(context.Background(), testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), false))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Result.Winner != model.SideB {
		t.Fatalf("expected SideB, got %s", res.Result.Winner)
	}
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	f := newFixture(t, emit(1, "[INFO] [HSGE] Winning team: SideA"), nil)
	a, b := testPilot("p1", "alpha", 3), testPilot("p2", "bravo", 1)
	h := f.exec.Execute(context.Background(), a, b, false)
	_, err := wait(t, h)
	if !appErr.Is(err, appErr.MatchExecutionFailed) {
		t.Fatalf("expected MatchExecutionFailed, got %v", err)
	}
	if h.Status() != model.StatusFailed {
		t.Fatalf("expected Failed, got %s", h.Status())
	}
	if len(f.results.all()) != 0 {
		t.Fatalf("failed run must not be stored")
	}
	if len(f.failures.refs) != 2 {
		t.Fatalf("expected the crash logged for both versions, got %v", f.failures.refs)
	}
}

func TestExecuteTimeoutFails(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
		req.OnStdout("[INFO] [HSGE] Winning team: SideB")
		return sandbox.RunResult{ExitCode: -1, TimedOut: true}, nil
	}, nil)
	h := f.exec.Execute(context.Background(), testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), false)
	if _, err := wait(t, h); !appErr.Is(err, appErr.MatchExecutionFailed) {
		t.Fatalf("expected MatchExecutionFailed, got %v", err)
	}
	if len(f.results.all()) != 0 || len(f.failures.refs) != 2 {
		t.Fatalf("timeout must fail without storing")
	}
}

func TestExecuteUnknownIsAmbiguous(t *testing.T) {
	for name, fn := range map[string]runFunc{
		"no marker":      emit(0, "nothing to see"),
		"unknown marker": emit(0, "[INFO] [HSGE] Winning team: SideA", "[INFO] [HSGE] Winning team: Unknown"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, fn, nil)
			h := f.exec.Execute(context.Background(), testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), false)
			res, err := wait(t, h)
			if !appErr.Is(err, appErr.AmbiguousOutcome) {
				t.Fatalf("expected AmbiguousOutcome, got %v", err)
			}
			if h.Status() != model.StatusAmbiguousComplete || res == nil || res.Result != nil {
				t.Fatalf("unexpected outcome %s %+v", h.Status(), res)
			}
			if len(f.results.all()) != 0 || len(f.failures.refs) != 0 {
				t.Fatalf("ambiguous run must not be stored or charged")
			}
		})
	}
}

func TestExecutePropagatesPersistenceError(t *testing.T) {
	dbErr := errors.New("disk full")
	f := newFixture(t, emit(0, "[INFO] [HSGE] Winning team: SideB"), nil)
	f.results.err = appErr.Wrap(dbErr, appErr.DatabaseError)

	h := f.exec.Execute(context.Background(), testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), false)
	_, err := wait(t, h)
	if !appErr.Is(err, appErr.PersistenceFailed) {
		t.Fatalf("expected PersistenceFailed, got %v", err)
	}
	if !errors.Is(err, dbErr) {
		t.Fatalf("persistence error must wrap the cause, got %v", err)
	}
	if h.Status() != model.StatusFailed {
		t.Fatalf("expected Failed, got %s", h.Status())
	}
}

func TestExecuteManualPreparesSimDir(t *testing.T) {
	f := newFixture(t, emit(0, "[INFO] [HSGE] Winning team: SideA"), nil)
	a, b := testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1)
	stale := filepath.Join(f.simDir, model.NormalizedName(a, b), "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	res, err := wait(t, f.exec.Execute(context.Background(), a, b, true))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Result.ManualRun || res.SimDir == "" {
		t.Fatalf("expected manual result with sim dir, got %+v", res)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("sim dir was not wiped")
	}
	var sim *sandbox.Mount
	mounts := f.runner.lastSpec().Mounts
	for i := range mounts {
		if mounts[i].Target == DefaultSimMount {
			sim = &mounts[i]
		}
	}
	if sim == nil || sim.ReadOnly || sim.Source != res.SimDir {
		t.Fatalf("expected writable sim mount, got %+v", sim)
	}
}

func TestExecuteRejectsInvalidPairs(t *testing.T) {
	f := newFixture(t, emit(0), nil)
	a := testPilot("p1", "alpha", 1)

	h := f.exec.Execute(context.Background(), a, a, true)
	if _, err := wait(t, h); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
	if got := f.jobs.statuses(h.ID); fmt.Sprint(got) != fmt.Sprint([]model.JobStatus{model.StatusPending, model.StatusFailed}) {
		t.Fatalf("unexpected job states %v", got)
	}

	missing := testPilot("p3", "charlie", 1)
	missing.Current.ArtifactID = "missing"
	if _, err := wait(t, f.exec.Execute(context.Background(), a, missing, false)); !appErr.Is(err, appErr.ArtifactNotFound) {
		t.Fatalf("expected ArtifactNotFound, got %v", err)
	}
}

func TestExecuteSidesAreFair(t *testing.T) {
	f := newFixture(t, emit(0, "[INFO] [HSGE] Winning team: SideA"), func(c *Config) {
		c.Coin = nil
		c.Jobs = nil
	})
	a, b := testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1)

	const runs = 1000
	firstOnA := 0
	for i := 0; i < runs; i++ {
		res, err := wait(t, f.exec.Execute(context.Background(), a, b, false))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Result.TeamA.PilotID == a.ID {
			firstOnA++
		}
	}
	if firstOnA < 420 || firstOnA > 580 {
		t.Fatalf("side assignment looks biased: %d/%d", firstOnA, runs)
	}
}

func TestExecuteAdmissionBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	fn := func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		req.OnStdout("[INFO] [HSGE] Winning team: SideA")
		return sandbox.RunResult{}, nil
	}
	f := newFixture(t, fn, func(c *Config) { c.MaxConcurrent = 1 })

	handles := []*Handle{
		f.exec.Execute(context.Background(), testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), true),
		f.exec.Execute(context.Background(), testPilot("p3", "charlie", 1), testPilot("p4", "delta", 1), false),
		f.exec.Execute(context.Background(), testPilot("p5", "echo", 1), testPilot("p6", "foxtrot", 1), true),
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, h := range handles {
		if _, err := wait(t, h); err != nil {
			t.Fatalf("job failed: %v", err)
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("expected at most one concurrent run, got %d", peak.Load())
	}
}

func TestExecuteManualAndScheduledRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	fn := func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
		started.Done()
		started.Wait()
		req.OnStdout("[INFO] [HSGE] Winning team: SideB")
		return sandbox.RunResult{}, nil
	}
	f := newFixture(t, fn, nil)

	scheduled := f.exec.Execute(context.Background(), testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), false)
	manual := f.exec.Execute(context.Background(), testPilot("p3", "charlie", 1), testPilot("p4", "delta", 1), true)
	for _, h := range []*Handle{scheduled, manual} {
		if _, err := wait(t, h); err != nil {
			t.Fatalf("job failed: %v", err)
		}
	}
	if len(f.results.all()) != 2 {
		t.Fatalf("expected both results stored")
	}
}

func TestExecuteCanceledDoesNotChargeVersions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
		cancel()
		<-ctx.Done()
		return sandbox.RunResult{ExitCode: -1, Canceled: true}, nil
	}
	f := newFixture(t, fn, nil)
	h := f.exec.Execute(ctx, testPilot("p1", "alpha", 1), testPilot("p2", "bravo", 1), false)
	<-h.Done()
	_, err := h.Wait(context.Background())
	if !appErr.Is(err, appErr.MatchExecutionFailed) {
		t.Fatalf("expected MatchExecutionFailed, got %v", err)
	}
	if len(f.failures.refs) != 0 {
		t.Fatalf("canceled run must not count as a crash")
	}
}
