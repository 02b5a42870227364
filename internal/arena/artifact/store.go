package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"aipilot/internal/common/storage"
	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	artifactExt         = ".zip"
	artifactPrefix      = "pilots/"
	artifactContentType = "application/zip"
)

var artifactIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Config locates artifacts on disk and, optionally, in object storage.
type Config struct {
	UploadDir      string
	Bucket         string
	StorageTimeout time.Duration
}

// Store resolves pilot artifacts to local zip files.
type Store struct {
	dir            string
	objects        storage.ObjectStorage
	bucket         string
	storageTimeout time.Duration
}

// NewStore creates a store rooted at cfg.UploadDir. A nil objects keeps it local only.
func NewStore(cfg Config, objects storage.ObjectStorage) (*Store, error) {
	if cfg.UploadDir == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	dir, err := filepath.Abs(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if objects != nil && cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required when object storage is configured")
	}
	return &Store{
		dir:            dir,
		objects:        objects,
		bucket:         cfg.Bucket,
		storageTimeout: cfg.StorageTimeout,
	}, nil
}

// NewArtifactID returns a fresh identifier for an uploaded bundle.
func NewArtifactID() string {
	return uuid.NewString()
}

// ValidateID rejects identifiers that could escape the upload dir.
func ValidateID(artifactID string) error {
	if !artifactIDPattern.MatchString(artifactID) || artifactID == "." || artifactID == ".." {
		return appErr.New(appErr.InvalidArtifact).WithDetail("artifactId", artifactID)
	}
	return nil
}

// LocalPath is where artifactID lives on disk, whether or not it exists yet.
func (s *Store) LocalPath(artifactID string) string {
	return filepath.Join(s.dir, artifactID+artifactExt)
}

func objectKey(artifactID string) string {
	return artifactPrefix + artifactID + artifactExt
}

// Resolve returns the absolute path of the artifact, downloading it first when
// only object storage has it.
func (s *Store) Resolve(ctx context.Context, artifactID string) (string, error) {
	if err := ValidateID(artifactID); err != nil {
		return "", err
	}
	path := s.LocalPath(artifactID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", appErr.Wrapf(err, appErr.StorageError, "stat artifact failed")
	}
	if s.objects == nil {
		return "", appErr.New(appErr.ArtifactNotFound).WithDetail("artifactId", artifactID)
	}
	if err := s.download(ctx, artifactID, path); err != nil {
		return "", err
	}
	logger.Info(ctx, "artifact downloaded", zap.String("artifact_id", artifactID))
	return path, nil
}

func (s *Store) download(ctx context.Context, artifactID, path string) error {
	ctxStorage, cancel := s.withTimeout(ctx)
	defer cancel()

	reader, err := s.objects.GetObject(ctxStorage, s.bucket, objectKey(artifactID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return appErr.New(appErr.ArtifactNotFound).WithDetail("artifactId", artifactID)
		}
		return appErr.Wrapf(err, appErr.StorageError, "download artifact failed")
	}
	defer reader.Close()
	return writeAtomic(path, reader)
}

// Put stores the bundle locally and mirrors it to object storage when configured.
func (s *Store) Put(ctx context.Context, artifactID string, r io.Reader) (string, error) {
	if err := ValidateID(artifactID); err != nil {
		return "", err
	}
	path := s.LocalPath(artifactID)
	if err := writeAtomic(path, r); err != nil {
		return "", err
	}
	if s.objects == nil {
		return path, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "reopen artifact failed")
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "stat artifact failed")
	}

	ctxStorage, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.objects.PutObject(ctxStorage, s.bucket, objectKey(artifactID), file, info.Size(), artifactContentType); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload artifact failed")
	}
	return path, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storageTimeout > 0 {
		return context.WithTimeout(ctx, s.storageTimeout)
	}
	return context.WithCancel(ctx)
}

// writeAtomic copies r into a temp file beside path and renames it into place.
func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create temp artifact failed")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return appErr.Wrapf(err, appErr.StorageError, "write artifact failed")
	}
	if err := tmp.Close(); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "close artifact failed")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "rename artifact failed")
	}
	return nil
}
