// Package blobstore stores appeal attachment content on a filesystem
// abstraction (afero), encrypted at rest. Only ciphertext touches the
// filesystem; plaintext exists only in memory during upload and download.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/fightpaperwork/appeals/internal/platform/hipaa"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrInvalidKey      = errors.New("invalid blob key")
	ErrStorageTimeout  = errors.New("storage check timed out")
	ErrMissingFileName = errors.New("file name is required")
)

// MaxFileSize is the largest attachment accepted (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// checkTimeout bounds the storage liveness probe.
const checkTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

type Store interface {
	Put(ctx context.Context, key string, content io.Reader) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	CheckAvailable(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// afero implementation
// ---------------------------------------------------------------------------

// FSStore writes AES-GCM sealed blobs under keys such as
// "appeals/42/3f0c...". The key is the associated data of the seal.
type FSStore struct {
	fs           afero.Fs
	enc          *hipaa.PHIEncryptor
	checkTimeout time.Duration
}

// NewFSStore uses fs as the storage root.
func NewFSStore(fs afero.Fs, enc *hipaa.PHIEncryptor) *FSStore {
	return &FSStore{fs: fs, enc: enc, checkTimeout: checkTimeout}
}

// NewOSStore stores blobs below dir on the local disk, creating it if needed.
func NewOSStore(dir string, enc *hipaa.PHIEncryptor) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), dir), enc), nil
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean != key || strings.HasPrefix(clean, "..") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

func (s *FSStore) Put(ctx context.Context, key string, content io.Reader) (int64, error) {
	key, err := cleanKey(key)
	if err != nil {
		return 0, err
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return 0, fmt.Errorf("read content: %w", err)
	}
	if len(data) > MaxFileSize {
		return 0, ErrFileTooLarge
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sealed, err := s.enc.Seal(data, []byte(key))
	if err != nil {
		return 0, err
	}

	if err := s.fs.MkdirAll(path.Dir(key), 0o700); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}
	tmp := key + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, sealed, 0o600); err != nil {
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if err := s.fs.Rename(tmp, key); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("commit blob: %w", err)
	}
	return int64(len(data)), nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	sealed, err := afero.ReadFile(s.fs, key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.enc.Open(sealed, []byte(key))
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = s.fs.Remove(key)
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// CheckAvailable lists the storage root under a two second deadline. A
// listing that has not returned by then counts as unavailable.
func (s *FSStore) CheckAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := afero.ReadDir(s.fs, ".")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("list storage root: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ErrStorageTimeout
	}
}
