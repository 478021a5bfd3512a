package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
)

// LocalStore keeps objects on the local filesystem under Root.
type LocalStore struct {
	root    string
	signer  *Signer
	baseURL string
	now     func() time.Time
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at root. baseURL prefixes read handle
// URLs (e.g. http://localhost:8080) and may be empty for relative URLs.
func NewLocalStore(root string, signer *Signer, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage root: %w", err)
	}
	if signer == nil {
		return nil, errors.New("storage signer is required")
	}
	return &LocalStore{
		root:    root,
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Root returns the directory backing the store.
func (s *LocalStore) Root() string { return s.root }

// Signer returns the signer used for read handles.
func (s *LocalStore) Signer() *Signer { return s.signer }

func (s *LocalStore) abs(key string) (string, string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes r to key atomically.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) error {
	_, abs, err := s.abs(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("ensure object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit object %s: %w", key, err)
	}
	return nil
}

// Open returns a reader for key.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	_, abs, err := s.abs(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs) // #nosec G304 - key is cleaned and confined to root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, nil
}

// Exists reports whether key holds a regular file.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, abs, err := s.abs(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	_, abs, err := s.abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// ReadHandle issues a signed URL for key valid for ttl.
func (s *LocalStore) ReadHandle(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	clean, abs, err := s.abs(key)
	if err != nil {
		return Handle{}, err
	}
	ok, err := s.Exists(ctx, clean)
	if err != nil {
		return Handle{}, err
	}
	if !ok {
		return Handle{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	expires := s.now().Add(ttl).UTC().Truncate(time.Second)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.signer.Sign(clean, expires))
	return Handle{
		Key:       clean,
		URL:       s.baseURL + path.Join(common.PathBlobs, clean) + "?" + q.Encode(),
		LocalPath: abs,
		ExpiresAt: expires,
	}, nil
}
