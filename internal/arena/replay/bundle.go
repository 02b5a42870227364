package replay

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	appErr "aipilot/pkg/errors"

	"github.com/klauspost/compress/zip"
)

// BundleDirectory writes every regular file under dir into a zip archive on w.
// Entry names are relative to dir and use forward slashes.
func BundleDirectory(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(entry, file)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.ReplayBundleFailed, "bundle %s failed", dir)
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ReplayBundleFailed, "finish archive failed")
	}
	return nil
}

// BundleToFile archives dir into path, creating parent directories.
func BundleToFile(dir, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.ReplayBundleFailed, "create bundle dir failed")
	}
	file, err := os.Create(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.ReplayBundleFailed, "create bundle failed")
	}
	if err := BundleDirectory(dir, file); err != nil {
		file.Close()
		_ = os.Remove(path)
		return err
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ReplayBundleFailed, "close bundle failed")
	}
	return nil
}
