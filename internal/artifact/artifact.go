// Package artifact stores generated infrastructure code by content digest.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imamik/vmpilot/internal/platform/s3"
	"github.com/imamik/vmpilot/internal/util/naming"
)

// ErrNotFound is returned for unknown digests.
var ErrNotFound = errors.New("artifact not found")

// Store keeps artifacts addressed by their digest.
type Store interface {
	// Put stores code and returns its digest ("sha256:<hex>") and location.
	Put(ctx context.Context, code []byte) (digest, location string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
}

// Digest returns the content digest of code.
func Digest(code []byte) string {
	sum := sha256.Sum256(code)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func checkDigest(digest string) (string, error) {
	hexPart, ok := strings.CutPrefix(digest, "sha256:")
	if !ok || len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("malformed digest %q: %w", digest, err)
	}
	return hexPart, nil
}

// FileStore keeps artifacts below a local directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(hexPart string) string {
	return filepath.Join(s.dir, hexPart)
}

// Put implements Store. Storing the same code twice is a no-op.
func (s *FileStore) Put(_ context.Context, code []byte) (string, string, error) {
	digest := Digest(code)
	hexPart, _ := checkDigest(digest)
	p := s.path(hexPart)
	if _, err := os.Stat(p); err == nil {
		return digest, p, nil
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, code, 0o640); err != nil {
		return "", "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	return digest, p, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	hexPart, err := checkDigest(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hexPart))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", digest, err)
	}
	return data, nil
}

// ObjectStore is the subset of *s3.Client the S3 store needs.
type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Store keeps artifacts in object storage under artifacts/<digest>.
type S3Store struct {
	objects ObjectStore
}

// NewS3Store creates a store backed by objects.
func NewS3Store(objects ObjectStore) *S3Store {
	return &S3Store{objects: objects}
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, code []byte) (string, string, error) {
	digest := Digest(code)
	hexPart, _ := checkDigest(digest)
	key := naming.Artifact(hexPart)
	if err := s.objects.Put(ctx, key, code, "text/plain; charset=utf-8"); err != nil {
		return "", "", err
	}
	return digest, fmt.Sprintf("s3://%s/%s", s.objects.Bucket(), key), nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, digest string) ([]byte, error) {
	hexPart, err := checkDigest(digest)
	if err != nil {
		return nil, err
	}
	data, err := s.objects.Get(ctx, naming.Artifact(hexPart))
	if errors.Is(err, s3.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return data, err
}
