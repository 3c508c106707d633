package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalStore keeps objects as files under a base directory. Access URLs
// point at the API's blob route and are HMAC signed.
type LocalStore struct {
	basePath string
	baseURL  string
	secret   string
}

func NewLocalStore(basePath, baseURL, secret string) (*LocalStore, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{
		basePath: basePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		secret:   secret,
	}, nil
}

func (s *LocalStore) filePath(p string) (string, string, error) {
	key, err := cleanPath(p)
	if err != nil {
		return "", "", err
	}
	return key, filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// Put writes data atomically. Metadata is not persisted locally.
func (s *LocalStore) Put(_ context.Context, p string, data []byte, _ map[string]string) (string, error) {
	key, full, err := s.filePath(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("commit file: %w", err)
	}
	return key, nil
}

func (s *LocalStore) Get(_ context.Context, p string) ([]byte, error) {
	_, full, err := s.filePath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (s *LocalStore) Exists(_ context.Context, p string) (bool, error) {
	_, full, err := s.filePath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) Delete(_ context.Context, p string) error {
	_, full, err := s.filePath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.basePath, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(full, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, full)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk storage: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	_, err = s.Put(ctx, dst, data, nil)
	return err
}

// AccessURL signs a link to the API blob route.
func (s *LocalStore) AccessURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	key, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if s.secret == "" {
		return "", fmt.Errorf("local access urls need a signing secret")
	}
	route := BlobRoute + key
	return s.baseURL + SignURL(route, time.Now().Add(ttl).Unix(), s.secret), nil
}

// URI is empty: local objects have no gs:// location.
func (s *LocalStore) URI(string) string {
	return ""
}

// BlobRoute is the HTTP path prefix under which signed local blobs are served.
const BlobRoute = "/api/blobs/"
