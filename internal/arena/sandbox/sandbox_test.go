package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"aipilot/internal/arena/model"
	appErr "aipilot/pkg/errors"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeRuntime writes a shell script standing in for the container runtime and
// returns a runner command that invokes it through /bin/sh.
func fakeRuntime(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell runtime not available")
	}
	path := filepath.Join(t.TempDir(), "runtime.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fake runtime: %v", err)
	}
	return "/bin/sh " + path
}

func testSpec() RunSpec {
	return RunSpec{
		Name:  "aip-match-a-b",
		Image: "sim:latest",
		Mounts: []Mount{
			{Source: "/srv/a.zip", Target: "/app/clients/allied.zip", ReadOnly: true},
			{Source: "/srv/sim", Target: "/sim/"},
		},
	}
}

func TestBuildArgs(t *testing.T) {
	args, err := BuildArgs(testSpec())
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	want := []string{
		"run", "--rm",
		"--mount", "type=bind,src=/srv/a.zip,dst=/app/clients/allied.zip,readonly",
		"--mount", "type=bind,src=/srv/sim,dst=/sim/",
		"--memory=1g", "--memory-swap=1g", "--cpus=1", "--pids-limit=100",
		"--name", "aip-match-a-b",
		"sim:latest",
	}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected args:\n got %v\nwant %v", args, want)
	}
}

func TestBuildArgsResolvesRelativeSource(t *testing.T) {
	spec := testSpec()
	spec.Mounts = []Mount{{Source: "maps", Target: "/app/Map/", ReadOnly: true}}
	args, err := BuildArgs(spec)
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if !strings.HasPrefix(args[3], "type=bind,src=/") {
		t.Fatalf("expected absolute source, got %s", args[3])
	}
}

func TestBuildArgsRequiresName(t *testing.T) {
	spec := testSpec()
	spec.Name = ""
	if _, err := BuildArgs(spec); err == nil {
		t.Fatalf("expected error for missing name")
	}
}

func TestProcessRunnerStreamsOutput(t *testing.T) {
	command := fakeRuntime(t, `echo "argv: $*"
echo "warming up" >&2
echo "[INFO] [HSGE] Winning team: SideB"
exit 0
`)
	runner, err := NewProcessRunner(RunnerConfig{Command: command})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	var log syncBuffer
	var stdout []string
	res, err := runner.Run(context.Background(), RunRequest{
		Spec:     testSpec(),
		Log:      &log,
		OnStdout: func(line string) { stdout = append(stdout, line) },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut || res.Canceled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(stdout) != 2 {
		t.Fatalf("expected 2 stdout lines, got %v", stdout)
	}
	if !strings.Contains(stdout[0], "run --rm --mount") || !strings.Contains(stdout[0], "--name aip-match-a-b sim:latest") {
		t.Fatalf("runtime did not receive the run arguments: %s", stdout[0])
	}
	text := log.String()
	if !strings.Contains(text, "warming up\n") || !strings.Contains(text, "Winning team: SideB\n") {
		t.Fatalf("log missing output: %q", text)
	}
}

func TestProcessRunnerReportsExitCode(t *testing.T) {
	command := fakeRuntime(t, "echo crashed >&2\nexit 3\n")
	runner, err := NewProcessRunner(RunnerConfig{Command: command})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}
	res, err := runner.Run(context.Background(), RunRequest{Spec: testSpec()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestProcessRunnerTimeoutKillsAndRemovesContainer(t *testing.T) {
	removed := filepath.Join(t.TempDir(), "removed")
	command := fakeRuntime(t, `if [ "$1" = "rm" ]; then
  echo "$*" > `+removed+`
  exit 0
fi
echo started
sleep 30
echo unreachable
`)
	runner, err := NewProcessRunner(RunnerConfig{Command: command, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	var log syncBuffer
	start := time.Now()
	res, err := runner.Run(context.Background(), RunRequest{Spec: testSpec(), Log: &log})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("expected timeout with exit -1, got %+v", res)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("process was not killed promptly")
	}
	if strings.Contains(log.String(), "unreachable") {
		t.Fatalf("process kept running after kill")
	}
	data, err := os.ReadFile(removed)
	if err != nil {
		t.Fatalf("container was not removed: %v", err)
	}
	if strings.TrimSpace(string(data)) != "rm -f aip-match-a-b" {
		t.Fatalf("unexpected cleanup invocation: %q", data)
	}
}

func TestProcessRunnerCancelKills(t *testing.T) {
	command := fakeRuntime(t, "if [ \"$1\" = \"rm\" ]; then exit 0; fi\nsleep 30\n")
	runner, err := NewProcessRunner(RunnerConfig{Command: command})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := runner.Run(ctx, RunRequest{Spec: testSpec()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Canceled || res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("expected cancelation, got %+v", res)
	}
}

func TestProcessRunnerStartFailure(t *testing.T) {
	runner, err := NewProcessRunner(RunnerConfig{Command: filepath.Join(t.TempDir(), "missing-runtime")})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}
	_, err = runner.Run(context.Background(), RunRequest{Spec: testSpec()})
	if !appErr.Is(err, appErr.SandboxStartFailed) {
		t.Fatalf("expected SandboxStartFailed, got %v", err)
	}
}

func TestNewProcessRunnerRejectsBadCommand(t *testing.T) {
	if _, err := NewProcessRunner(RunnerConfig{Command: `docker "unterminated`}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMarkerExtractorDefaults(t *testing.T) {
	m, err := NewMarkerExtractor(MarkerConfig{})
	if err != nil {
		t.Fatalf("NewMarkerExtractor failed: %v", err)
	}
	cases := map[string]model.Side{
		"[INFO] [HSGE] Winning team: SideA":               model.SideA,
		"2024-01-01 [INFO] [X] Winning team: SideB":       model.SideB,
		"[INFO] [HSGE] Winning team: Unknown":             model.Unknown,
		"[INFO] [HSGE] Winning team: Allied":              "",
		"[WARN] [HSGE] Winning team: SideA":               "",
		"[INFO] [HSGE] Winning team: SideAB":              "",
		"player said [INFO] [HSGE] Winning team: nothing": "",
	}
	for line, want := range cases {
		got, ok := m.Extract(line)
		if want == "" {
			if ok {
				t.Fatalf("line %q should not match, got %s", line, got)
			}
			continue
		}
		if !ok || got != want {
			t.Fatalf("line %q: expected %s, got %s (%v)", line, want, got, ok)
		}
	}
}

func TestMarkerExtractorLineEnd(t *testing.T) {
	m, err := NewMarkerExtractor(MarkerConfig{})
	if err != nil {
		t.Fatalf("NewMarkerExtractor failed: %v", err)
	}
	// CRLF logs and padded lines still count.
	for _, line := range []string{
		"[INFO] [HSGE] Winning team: SideA \t",
		"[INFO] [HSGE] Winning team: SideA\r",
	} {
		if side, ok := m.Extract(line); !ok || side != model.SideA {
			t.Fatalf("line %q: expected SideA, got %s (%v)", line, side, ok)
		}
	}
	// The side must end the line.
	for _, line := range []string{
		"[INFO] [HSGE] Winning team: SideA (score 3-1)",
		"[INFO] [HSGE] Winning team: SideB, draw offered",
	} {
		if side, ok := m.Extract(line); ok {
			t.Fatalf("line %q with trailing text must not match, got %s", line, side)
		}
	}
}

func TestMarkerExtractorAliasesAndTag(t *testing.T) {
	m, err := NewMarkerExtractor(MarkerConfig{Tag: "HSGE", SideA: "Allied", SideB: "Enemy"})
	if err != nil {
		t.Fatalf("NewMarkerExtractor failed: %v", err)
	}
	if side, ok := m.Extract("[INFO] [HSGE] Winning team: Enemy"); !ok || side != model.SideB {
		t.Fatalf("expected SideB, got %s %v", side, ok)
	}
	if _, ok := m.Extract("[INFO] [OTHER] Winning team: Allied"); ok {
		t.Fatalf("foreign tag must not match")
	}
	if _, err := NewMarkerExtractor(MarkerConfig{SideA: "X", SideB: "X"}); err == nil {
		t.Fatalf("expected error for duplicate literals")
	}
}

func TestLastOutcomeKeepsLastMarker(t *testing.T) {
	m, _ := NewMarkerExtractor(MarkerConfig{})
	last := NewLastOutcome(m)
	if last.Side() != model.Unknown {
		t.Fatalf("expected Unknown before any marker")
	}
	for _, line := range []string{
		"[INFO] [HSGE] Winning team: SideA",
		"noise",
		"[INFO] [HSGE] Winning team: SideB",
		"more noise",
	} {
		last.Observe(line)
	}
	if last.Side() != model.SideB {
		t.Fatalf("expected last marker to win, got %s", last.Side())
	}
}
