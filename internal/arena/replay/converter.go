package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	defaultMapPath  = "../Map"
	defaultTimeout  = 5 * time.Minute
	outputTailBytes = 4 * 1024
)

// ConverterConfig describes the external replay tool.
type ConverterConfig struct {
	// Tool is the converter command line, split like a shell would.
	Tool string
	// MapPath is handed to the tool as --map.
	MapPath string
	// WorkDir is the tool's working directory. Empty keeps the current one.
	WorkDir string
	Timeout time.Duration
}

// Converter turns simulation recordings into distributable replays.
type Converter struct {
	command []string
	mapPath string
	workDir string
	timeout time.Duration
}

// NewConverter validates cfg.
func NewConverter(cfg ConverterConfig) (*Converter, error) {
	command, err := shlex.Split(cfg.Tool)
	if err != nil {
		return nil, fmt.Errorf("parse converter tool: %w", err)
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("converter tool is required")
	}
	if cfg.MapPath == "" {
		cfg.MapPath = defaultMapPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Converter{
		command: command,
		mapPath: cfg.MapPath,
		workDir: cfg.WorkDir,
		timeout: cfg.Timeout,
	}, nil
}

// Convert runs the tool once on recordingPath. A nil error means the tool exited 0.
func (c *Converter) Convert(ctx context.Context, recordingPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.ReplayConversionFailed, "create replay dir failed")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, c.command[1:]...),
		"--convert",
		"--input", recordingPath,
		"--output", outputPath,
		"--map", c.mapPath,
	)
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Dir = c.workDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error(ctx, "replay conversion failed",
			zap.String("input", recordingPath),
			zap.Int("exit_code", exitCode),
			zap.String("output", tail(output.Bytes(), outputTailBytes)),
			zap.Error(err),
		)
		return appErr.Wrapf(err, appErr.ReplayConversionFailed, "converter exited with code %d", exitCode).
			WithDetail("exitCode", exitCode)
	}
	logger.Info(ctx, "replay converted",
		zap.String("output", outputPath),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
