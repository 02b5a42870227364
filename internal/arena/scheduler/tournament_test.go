package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aipilot/internal/arena/executor"
	"aipilot/internal/arena/model"
	"aipilot/internal/arena/pairing"
	"aipilot/internal/arena/repository"
	"aipilot/internal/arena/sandbox"
	"aipilot/internal/common/db"
)

// crashingRunner exits 1 whenever the broken artifact is mounted.
type crashingRunner struct {
	broken string
	runs   atomic.Int32
}

func (c *crashingRunner) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
	c.runs.Add(1)
	for _, m := range req.Spec.Mounts {
		if strings.Contains(m.Source, c.broken) {
			return sandbox.RunResult{ExitCode: 1}, nil
		}
	}
	req.OnStdout("[INFO] [HSGE] Winning team: SideA")
	return sandbox.RunResult{}, nil
}

func TestCrashingPilotDoesNotDisableOpponents(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	database, err := db.NewSQLite(db.SQLiteConfig{Path: filepath.Join(root, "arena.db")})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := repository.Migrate(database); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	pilots := repository.NewPilotRepository(database)
	matches := repository.NewMatchRepository(database)

	for _, name := range []string{"good1", "bad", "good2"} {
		if err := pilots.Create(ctx, &model.Pilot{ID: "id-" + name, Name: name, OwnerID: "owner"}); err != nil {
			t.Fatalf("create %s failed: %v", name, err)
		}
		if _, err := pilots.AppendVersion(ctx, "id-"+name, "art-"+name); err != nil {
			t.Fatalf("append %s failed: %v", name, err)
		}
	}

	const matchesPer, maxFails = 2, 5
	extractor, err := sandbox.NewMarkerExtractor(sandbox.MarkerConfig{})
	if err != nil {
		t.Fatalf("NewMarkerExtractor failed: %v", err)
	}
	runner := &crashingRunner{broken: "art-bad"}
	exec, err := executor.New(executor.Config{
		Runner:    runner,
		Extractor: extractor,
		Artifacts: pathArtifacts{},
		Results:   matches,
		Failures:  pilots,
		Image:     "sim:test",
		MapDir:    root,
		LogDir:    filepath.Join(root, "logs"),
		SimDir:    filepath.Join(root, "sim"),
	})
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	selector := pairing.NewSelector(pilots, matches, pilots, matchesPer, maxFails)
	loop, err := NewLoop(Config{Selector: selector, Executor: exec})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Stop(stopCtx)
	})

	loop.Start()
	waitIdle(t, loop)

	get := func(name string) *model.Pilot {
		t.Helper()
		p, err := pilots.GetByName(ctx, name)
		if err != nil {
			t.Fatalf("get %s failed: %v", name, err)
		}
		return p
	}
	for _, name := range []string{"good1", "good2"} {
		if p := get(name); p.Disabled(maxFails) || p.Current.FailCount != 0 {
			t.Fatalf("healthy pilot %s charged: failCount=%d", name, p.Current.FailCount)
		}
	}
	if bad := get("bad"); !bad.Disabled(maxFails) {
		t.Fatalf("crashing pilot must be disabled: failCount=%d", bad.Current.FailCount)
	}

	history, err := matches.History(ctx, get("good1").CurrentRef())
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != matchesPer {
		t.Fatalf("good1 vs good2 must reach coverage, got %d matches", len(history))
	}
	for _, m := range history {
		if m.Opponent("id-good1") != "id-good2" {
			t.Fatalf("unexpected match %+v", m)
		}
	}

	// good1-bad crashes up to the pair limit, good1-good2 is played out and
	// bad is disabled on its first crash against the now proven good2.
	stats := loop.Stats()
	if stats.Persisted != matchesPer || stats.Failed != maxFails+1 {
		t.Fatalf("unexpected stats %+v after %d runs", stats, runner.runs.Load())
	}
	if _, _, ok, err := selector.SelectNextPair(ctx); ok || err != nil {
		t.Fatalf("tournament should be settled: ok=%v err=%v", ok, err)
	}
}
