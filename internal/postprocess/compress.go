package postprocess

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/jingyi7777/adapt-seq-design/internal/execution/layout"
)

// Compress gzips path into path.gz and removes the original. The gzip header
// carries no timestamp, so compressing identical content twice yields
// identical bytes. It returns the compressed path and whether anything is
// there:
//   - path present: (re)write path.gz, remove path
//   - only path.gz present: no-op
//   - neither present: ("", false, nil)
func Compress(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		return "", false, errors.New("path is required")
	}
	dst := layout.Compressed(path)
	if dst == path {
		return exists(path)
	}

	src, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return exists(dst)
	}
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return "", false, fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	zw, err := gzip.NewWriterLevel(tmp, gzip.DefaultCompression)
	if err != nil {
		cleanup()
		return "", false, fmt.Errorf("gzip writer: %w", err)
	}
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, src); err != nil {
		cleanup()
		return "", false, fmt.Errorf("compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return "", false, fmt.Errorf("compress %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("rename %s: %w", dst, err)
	}
	_ = src.Close()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return dst, true, fmt.Errorf("remove %s: %w", path, err)
	}
	return dst, true, nil
}

func exists(path string) (string, bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return path, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("stat %s: %w", path, err)
	}
}
