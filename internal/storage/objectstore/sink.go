package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const gzipContentType = "application/gzip"

// ArtifactSink mirrors compressed run outputs into a bucket. Object keys are
// the file's path relative to Root, under Prefix. An object that already
// exists with the same size is left alone, so re-running a batch does not
// re-upload finished results.
type ArtifactSink struct {
	store  Store
	bucket string
	prefix string
	root   string
}

func NewArtifactSink(store Store, bucket, prefix, root string) (*ArtifactSink, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &ArtifactSink{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		root:   abs,
	}, nil
}

// Key returns the object key for a local file.
func (s *ArtifactSink) Key(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", localPath, s.root)
	}
	key := filepath.ToSlash(rel)
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	return key, nil
}

func (s *ArtifactSink) Upload(ctx context.Context, localPath string) error {
	key, err := s.Key(localPath)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	info, err := s.store.Stat(ctx, s.bucket, key)
	switch {
	case err == nil && info.Size == st.Size():
		return nil
	case err != nil && !errors.Is(err, ErrObjectNotFound):
		return fmt.Errorf("stat %s/%s: %w", s.bucket, key, err)
	}
	return s.store.Put(ctx, s.bucket, key, f, st.Size(), gzipContentType)
}
