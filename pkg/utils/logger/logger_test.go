package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aipilot/pkg/utils/contextkey"

	"go.uber.org/zap"
)

func TestContextFieldsAreWritten(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	errOut := filepath.Join(dir, "error.log")

	l, err := NewLogger(Config{Level: "info", Format: "json", OutputPath: out, ErrorPath: errOut})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	ctx := context.WithValue(context.Background(), contextkey.MatchID, "job-1")
	ctx = context.WithValue(ctx, contextkey.Pilot, "alpha")

	l.WithContext(ctx).Info("match started", zap.Int("exit_code", 0))
	l.WithContext(ctx).Warn("ambiguous outcome")
	_ = l.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"match_id":"job-1"`) || !strings.Contains(text, `"pilot":"alpha"`) {
		t.Fatalf("context fields missing: %s", text)
	}

	errData, err := os.ReadFile(errOut)
	if err != nil {
		t.Fatalf("read error log failed: %v", err)
	}
	if strings.Contains(string(errData), "match started") {
		t.Fatalf("info entries must not reach the error sink")
	}
	if !strings.Contains(string(errData), "ambiguous outcome") {
		t.Fatalf("warn entries should reach the error sink: %s", errData)
	}
}

func TestGlobalHelpersWithoutInit(t *testing.T) {
	globalLogger = nil
	Info(context.Background(), "dropped")
	if WithFields(context.Background()) == nil {
		t.Fatalf("WithFields should never return nil")
	}
}
