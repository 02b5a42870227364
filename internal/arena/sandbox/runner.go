package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	defaultCommand        = "docker"
	defaultTimeout        = 10 * time.Minute
	defaultWaitDelay      = 5 * time.Second
	defaultCleanupTimeout = 30 * time.Second
)

// Runner executes one sandboxed simulation to completion.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RunRequest is a single invocation. Log receives every stdout and stderr line.
type RunRequest struct {
	Spec     RunSpec
	Log      io.Writer
	OnStdout func(line string)
}

// RunResult is what the supervised process reported.
type RunResult struct {
	ExitCode int
	TimedOut bool
	// Canceled is set when the caller's context ended the run.
	Canceled bool
	Duration time.Duration
}

// RunnerConfig controls how the container runtime is invoked.
type RunnerConfig struct {
	// Command is the runtime binary plus any wrapper, e.g. "sudo docker" or "podman".
	Command string
	// Timeout bounds the wall-clock time of one run. Zero uses the default, negative disables it.
	Timeout time.Duration
	// WaitDelay bounds how long output is drained after the process exits.
	WaitDelay time.Duration
	// CleanupTimeout bounds the forced container removal after a kill.
	CleanupTimeout time.Duration
}

// ProcessRunner runs the container runtime as a supervised child process group.
type ProcessRunner struct {
	command []string
	cfg     RunnerConfig
}

// NewProcessRunner parses cfg.Command and fills defaults.
func NewProcessRunner(cfg RunnerConfig) (*ProcessRunner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = defaultCommand
	}
	command, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse runtime command: %w", err)
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("runtime command is empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	return &ProcessRunner{command: command, cfg: cfg}, nil
}

// Run starts the runtime, streams its output and waits for it to exit.
// A timeout or cancelation kills the process group and force-removes the container.
func (r *ProcessRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	runArgs, err := BuildArgs(req.Spec)
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.InvalidParams)
	}
	argv := append(append([]string{}, r.command[1:]...), runArgs...)

	cmd := exec.Command(r.command[0], argv...)
	cmd.SysProcAttr = buildSysProcAttr()
	cmd.WaitDelay = r.cfg.WaitDelay

	sink := &lineWriter{w: req.Log}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdoutR, func(line string) {
			sink.writeLine(line)
			if req.OnStdout != nil {
				req.OnStdout(line)
			}
		})
	}()
	go func() {
		defer readers.Done()
		scanLines(stderrR, sink.writeLine)
	}()

	closePipes := func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		readers.Wait()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closePipes()
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxStartFailed, "start %s", r.command[0])
	}
	logger.Debug(ctx, "sandbox started", zap.String("container", req.Spec.Name), zap.Int("pid", cmd.Process.Pid))

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if r.cfg.Timeout > 0 {
			timer := time.NewTimer(r.cfg.Timeout)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			canceled.Store(true)
			killProcessGroup(cmd.Process)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	closePipes()

	res := RunResult{
		ExitCode: exitCodeFromErr(waitErr, cmd.ProcessState),
		TimedOut: timedOut.Load(),
		Canceled: canceled.Load(),
		Duration: time.Since(start),
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			logger.Warn(ctx, "sandbox wait failed", zap.String("container", req.Spec.Name), zap.Error(waitErr))
		}
	}
	if res.TimedOut || res.Canceled {
		res.ExitCode = -1
		logger.Warn(ctx, "sandbox killed",
			zap.String("container", req.Spec.Name),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("elapsed", res.Duration),
		)
		r.removeContainer(req.Spec.Name)
	}
	return res, nil
}

// removeContainer force-removes a container left behind by a killed runtime client.
func (r *ProcessRunner) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
	defer cancel()

	argv := append(append([]string{}, r.command[1:]...), "rm", "-f", name)
	out, err := exec.CommandContext(ctx, r.command[0], argv...).CombinedOutput()
	if err != nil {
		logger.Warn(ctx, "remove container failed",
			zap.String("container", name),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err),
		)
	}
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// scanLines reads r until EOF. Lines of any length are delivered without the trailing newline.
func scanLines(r io.Reader, fn func(line string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

// lineWriter serializes whole lines from concurrent streams into one writer.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) writeLine(line string) {
	if l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line+"\n")
}
