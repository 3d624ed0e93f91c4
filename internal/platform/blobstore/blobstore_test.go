package blobstore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/fightpaperwork/appeals/internal/platform/hipaa"
)

func newTestStore(t *testing.T) (*FSStore, afero.Fs) {
	t.Helper()
	enc, err := hipaa.NewEphemeralEncryptor()
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	fs := afero.NewBasePathFs(afero.NewMemMapFs(), "/blobs")
	return NewFSStore(fs, enc), fs
}

func TestPutGet_RoundTripEncrypted(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()
	content := []byte("Dear insurer, the MRI was medically necessary.")

	n, err := s.Put(ctx, "appeals/7/letter", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), n)
	}

	raw, err := afero.ReadFile(fs, "appeals/7/letter")
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if bytes.Contains(raw, content) {
		t.Fatal("expected content to be encrypted at rest")
	}

	got, err := s.Get(ctx, "appeals/7/letter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}

	if exists, _ := afero.Exists(fs, "appeals/7/letter.tmp"); exists {
		t.Error("expected temp file to be renamed away")
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "appeals/1/missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestGet_MovedBlobFailsToOpen(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "appeals/1/a", strings.NewReader("secret")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = fs.MkdirAll("appeals/2", 0o700)
	if err := fs.Rename("appeals/1/a", "appeals/2/a"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := s.Get(ctx, "appeals/2/a"); err == nil {
		t.Error("expected blob moved under another key to fail authentication")
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Put(ctx, "appeals/3/x", strings.NewReader("x"))

	if err := s.Delete(ctx, "appeals/3/x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "appeals/3/x"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "a//b"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestPut_TooLarge(t *testing.T) {
	s, _ := newTestStore(t)
	big := bytes.NewReader(make([]byte, MaxFileSize+1))
	if _, err := s.Put(context.Background(), "appeals/1/big", big); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestCheckAvailable(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.CheckAvailable(context.Background()); err != nil {
		t.Errorf("expected storage to be available, got %v", err)
	}
}

type slowFs struct {
	afero.Fs
	delay time.Duration
}

func (f slowFs) Open(name string) (afero.File, error) {
	time.Sleep(f.delay)
	return f.Fs.Open(name)
}

func TestCheckAvailable_Timeout(t *testing.T) {
	enc, _ := hipaa.NewEphemeralEncryptor()
	s := NewFSStore(slowFs{Fs: afero.NewMemMapFs(), delay: 500 * time.Millisecond}, enc)
	s.checkTimeout = 20 * time.Millisecond

	if err := s.CheckAvailable(context.Background()); !errors.Is(err, ErrStorageTimeout) {
		t.Errorf("expected ErrStorageTimeout, got %v", err)
	}
}
