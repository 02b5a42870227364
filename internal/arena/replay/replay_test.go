package replay

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"

	appErr "aipilot/pkg/errors"

	"github.com/klauspost/compress/zip"
)

func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tool not available")
	}
	path := filepath.Join(t.TempDir(), "hc.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return "/bin/sh " + path
}

func TestConvertPassesArgumentsInOrder(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	tool := fakeTool(t, `for a in "$@"; do echo "$a" >> `+argsFile+`; done
echo converted > "$5"
`)
	conv, err := NewConverter(ConverterConfig{Tool: tool, MapPath: "/maps/arena"})
	if err != nil {
		t.Fatalf("NewConverter failed: %v", err)
	}

	in := filepath.Join(dir, "sim", "recording.json")
	out := filepath.Join(dir, "replays", "alpha_v1_vs_bravo_v1", "r1.vtgr")
	if err := conv.Convert(context.Background(), in, out); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	want := []string{"--convert", "--input", in, "--output", out, "--map", "/maps/arena"}
	got := strings.Split(strings.TrimSpace(string(data)), "\n")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected args:\n got %v\nwant %v", got, want)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output was not written: %v", err)
	}
}

func TestConvertFailure(t *testing.T) {
	conv, err := NewConverter(ConverterConfig{Tool: fakeTool(t, "echo bad recording >&2\nexit 2\n")})
	if err != nil {
		t.Fatalf("NewConverter failed: %v", err)
	}
	dir := t.TempDir()
	err = conv.Convert(context.Background(), filepath.Join(dir, "in.json"), filepath.Join(dir, "out", "r.vtgr"))
	if !appErr.Is(err, appErr.ReplayConversionFailed) {
		t.Fatalf("expected ReplayConversionFailed, got %v", err)
	}
	if appErr.GetError(err).Details["exitCode"] != 2 {
		t.Fatalf("expected exit code detail, got %v", appErr.GetError(err).Details)
	}
}

func TestNewConverterRequiresTool(t *testing.T) {
	if _, err := NewConverter(ConverterConfig{}); err == nil {
		t.Fatalf("expected error for empty tool")
	}
}

func TestBundleDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"recording.json":  `{"frames":[]}`,
		"logs/client.log": "hello",
		"logs/deep/x.txt": "x",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := BundleDirectory(dir, &buf); err != nil {
		t.Fatalf("BundleDirectory failed: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != files[f.Name] {
			t.Fatalf("entry %s has %q", f.Name, data)
		}
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "logs/client.log,logs/deep/x.txt,recording.json" {
		t.Fatalf("unexpected entries %v", names)
	}
}

func TestBundleToFileMissingDir(t *testing.T) {
	out := filepath.Join(t.TempDir(), "b.zip")
	err := BundleToFile(filepath.Join(t.TempDir(), "absent"), out)
	if !appErr.Is(err, appErr.ReplayBundleFailed) {
		t.Fatalf("expected ReplayBundleFailed, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("partial bundle was left behind")
	}
}
