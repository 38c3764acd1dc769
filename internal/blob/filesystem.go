package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const metaSuffix = ".meta"

var _ Store = (*FilesystemStore)(nil)

// FilesystemStore persists objects on the local filesystem. Each object is a
// regular file plus a JSON sidecar holding its content type and ETag.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore initialises a filesystem-backed store rooted at dir.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("blob: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: ensure root directory: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

type sidecar struct {
	ContentType string `json:"content_type"`
	ETag        string `json:"etag"`
}

// Put writes the object body to a temporary file, computes its ETag while
// streaming, and moves the result into place.
func (s *FilesystemStore) Put(_ context.Context, key string, body io.Reader, meta Metadata) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blob: mkdir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("blob: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), body); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close temp file: %w", err)
	}

	etag := hex.EncodeToString(hash.Sum(nil))
	side, err := json.Marshal(sidecar{ContentType: meta.ContentType, ETag: etag})
	if err != nil {
		return fmt.Errorf("blob: encode sidecar: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, side, 0o600); err != nil {
		return fmt.Errorf("blob: write sidecar for %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("blob: finalise %s: %w", key, err)
	}
	return nil
}

// Get opens the stored object, honouring range and conditional options.
func (s *FilesystemStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	meta, err := s.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	if opts.IfNoneMatch != "" && opts.IfNoneMatch == meta.ETag {
		return nil, ErrNotModified
	}

	offset, length, err := ResolveRange(opts.Range, meta.Size)
	if err != nil {
		return nil, err
	}

	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open %s: %w", key, err)
	}
	if offset > 0 {
		if _, err := fh.Seek(offset, io.SeekStart); err != nil {
			fh.Close()
			return nil, fmt.Errorf("blob: seek %s: %w", key, err)
		}
	}

	return &Object{
		Body:   &limitedFile{Reader: io.LimitReader(fh, length), file: fh},
		Meta:   meta,
		Offset: offset,
		Length: length,
	}, nil
}

// Head returns object metadata without opening the body.
func (s *FilesystemStore) Head(_ context.Context, key string) (Metadata, error) {
	path, err := s.path(key)
	if err != nil {
		return Metadata{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("blob: stat %s: %w", key, err)
	}

	meta := Metadata{Size: info.Size(), ModTime: info.ModTime()}
	if raw, err := os.ReadFile(path + metaSuffix); err == nil {
		var side sidecar
		if err := json.Unmarshal(raw, &side); err == nil {
			meta.ContentType = side.ContentType
			meta.ETag = side.ETag
		}
	}
	return meta, nil
}

// Delete removes objects and their sidecars. Missing keys are not an error.
func (s *FilesystemStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		path, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blob: delete %s: %w", key, err)
		}
		if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blob: delete sidecar for %s: %w", key, err)
		}
	}
	return nil
}

// List returns the keys of all stored objects under the given prefix.
func (s *FilesystemStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return err
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil // in-flight temp file
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("blob: key is required")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("blob: invalid key %q", key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// limitedFile couples a range-limited reader with the underlying file handle
// so Close releases the descriptor.
type limitedFile struct {
	io.Reader
	file *os.File
}

func (l *limitedFile) Close() error {
	return l.file.Close()
}
