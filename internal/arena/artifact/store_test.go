package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"aipilot/internal/common/storage"
	appErr "aipilot/pkg/errors"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjects) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func TestStoreResolveLocal(t *testing.T) {
	store, err := NewStore(Config{UploadDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	path, err := store.Put(context.Background(), "pilot-1", strings.NewReader("zip"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Resolve(context.Background(), "pilot-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != path || !filepath.IsAbs(got) {
		t.Fatalf("unexpected path %s (put %s)", got, path)
	}
}

func TestStoreResolveMissing(t *testing.T) {
	store, _ := NewStore(Config{UploadDir: t.TempDir()}, nil)
	_, err := store.Resolve(context.Background(), "absent")
	if !appErr.Is(err, appErr.ArtifactNotFound) {
		t.Fatalf("expected ArtifactNotFound, got %v", err)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	store, _ := NewStore(Config{UploadDir: t.TempDir()}, nil)
	for _, id := range []string{"../etc/passwd", "a/b", "", ".hidden"} {
		if _, err := store.Resolve(context.Background(), id); !appErr.Is(err, appErr.InvalidArtifact) {
			t.Fatalf("expected InvalidArtifact for %q, got %v", id, err)
		}
	}
}

func TestStoreDownloadsFromObjectStorage(t *testing.T) {
	objects := newFakeObjects()
	objects.objects["arena/pilots/remote.zip"] = []byte("remote bundle")

	store, err := NewStore(Config{UploadDir: t.TempDir(), Bucket: "arena"}, objects)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	path, err := store.Resolve(context.Background(), "remote")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "remote bundle" {
		t.Fatalf("unexpected local copy: %q %v", data, err)
	}
	if _, err := store.Resolve(context.Background(), "remote"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if objects.gets != 1 {
		t.Fatalf("expected a single download, got %d", objects.gets)
	}
	if _, err := store.Resolve(context.Background(), "nowhere"); !appErr.Is(err, appErr.ArtifactNotFound) {
		t.Fatalf("expected ArtifactNotFound, got %v", err)
	}
}

func TestStorePutMirrorsToObjectStorage(t *testing.T) {
	objects := newFakeObjects()
	store, _ := NewStore(Config{UploadDir: t.TempDir(), Bucket: "arena"}, objects)
	if _, err := store.Put(context.Background(), "up", strings.NewReader("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if string(objects.objects["arena/pilots/up.zip"]) != "payload" {
		t.Fatalf("artifact was not mirrored")
	}
}
