// Package fs stores blobs as files under a root directory with a JSON
// sidecar per blob.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"corefacility/internal/blob/core"
)

const sidecarExt = ".meta"

// Store implements core.Store on the local filesystem.
type Store struct {
	root    string
	baseURL string
}

// New returns a store rooted at root, creating the directory. Download URLs
// are rendered against baseURL when it is set.
func New(root, baseURL string) (*Store, error) {
	if root == "" {
		root = "./blobdata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty blob key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("blob key %q escapes the store root", key)
	}
	if strings.HasSuffix(key, sidecarExt) {
		return "", fmt.Errorf("blob key %q uses the reserved %s suffix", key, sidecarExt)
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *Store) paths(key string) (string, string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	data := filepath.Join(s.root, filepath.FromSlash(k))
	return data, data + sidecarExt, nil
}

type sidecar struct {
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
}

func (m sidecar) object(key string) core.Object {
	return core.Object{Key: key, Size: m.Size, ContentType: m.ContentType, ETag: m.ETag, Modified: m.Modified}
}

// Put implements core.Store.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	data, meta, err := s.paths(key)
	if err != nil {
		return core.Object{}, err
	}
	if _, err := os.Stat(data); err == nil {
		return core.Object{}, fmt.Errorf("%w: %s", core.ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(data), 0o755); err != nil {
		return core.Object{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(data), ".upload-*")
	if err != nil {
		return core.Object{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return core.Object{}, err
	}
	if err := os.Rename(tmp.Name(), data); err != nil {
		return core.Object{}, err
	}
	m := sidecar{ContentType: opts.ContentType, ETag: hex.EncodeToString(h.Sum(nil)), Size: size, Modified: time.Now().UTC()}
	b, err := json.Marshal(m)
	if err != nil {
		return core.Object{}, err
	}
	if err := os.WriteFile(meta, b, 0o644); err != nil {
		_ = os.Remove(data)
		return core.Object{}, err
	}
	return m.object(key), nil
}

func readSidecar(path string) (sidecar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var m sidecar
	if err := json.Unmarshal(b, &m); err != nil {
		return sidecar{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

// Stat implements core.Store.
func (s *Store) Stat(_ context.Context, key string) (core.Object, error) {
	_, meta, err := s.paths(key)
	if err != nil {
		return core.Object{}, err
	}
	m, err := readSidecar(meta)
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Object{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	if err != nil {
		return core.Object{}, err
	}
	return m.object(key), nil
}

// Open implements core.Store.
func (s *Store) Open(ctx context.Context, key string) (core.Object, io.ReadCloser, error) {
	obj, err := s.Stat(ctx, key)
	if err != nil {
		return core.Object{}, nil, err
	}
	data, _, _ := s.paths(key)
	f, err := os.Open(data)
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Object{}, nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	if err != nil {
		return core.Object{}, nil, err
	}
	return obj, f, nil
}

// Delete implements core.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	data, meta, err := s.paths(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(data)
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = os.Remove(meta)
	return true, nil
}

// List implements core.Store.
func (s *Store) List(_ context.Context, prefix string) ([]core.Object, error) {
	var out []core.Object
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, sidecarExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, sidecarExt))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		m, err := readSidecar(path)
		if err != nil {
			return err
		}
		out = append(out, m.object(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// URL implements core.Store. Filesystem links never expire.
func (s *Store) URL(ctx context.Context, key string, _ time.Duration) (string, error) {
	if _, err := s.Stat(ctx, key); err != nil {
		return "", err
	}
	if s.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.root, key))}).String(), nil
	}
	return s.baseURL + "/" + url.PathEscape(key), nil
}
