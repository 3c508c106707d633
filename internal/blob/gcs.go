package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in one Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a storage client using explicit credentials when given.
func NewGCSStore(ctx context.Context, bucket, credJSON, credFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	switch {
	case credJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	case credFile != "":
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) object(p string) (*storage.ObjectHandle, string, error) {
	key, err := cleanPath(p)
	if err != nil {
		return nil, "", err
	}
	return s.client.Bucket(s.bucket).Object(key), key, nil
}

func (s *GCSStore) Put(ctx context.Context, p string, data []byte, metadata map[string]string) (string, error) {
	obj, key, err := s.object(p)
	if err != nil {
		return "", err
	}
	w := obj.NewWriter(ctx)
	if ct, ok := metadata[ContentTypeKey]; ok {
		w.ContentType = ct
	}
	if len(metadata) > 0 {
		w.Metadata = metadata
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close object writer %s: %w", key, err)
	}
	return key, nil
}

func (s *GCSStore) Get(ctx context.Context, p string) ([]byte, error) {
	obj, key, err := s.object(p)
	if err != nil {
		return nil, err
	}
	return readObject(ctx, obj, key)
}

func readObject(ctx context.Context, obj *storage.ObjectHandle, key string) ([]byte, error) {
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, p string) (bool, error) {
	obj, key, err := s.object(p)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, p string) error {
	obj, key, err := s.object(p)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	return listNames(ctx, s.client.Bucket(s.bucket), prefix)
}

func listNames(ctx context.Context, bucket *storage.BucketHandle, prefix string) ([]string, error) {
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (s *GCSStore) Copy(ctx context.Context, src, dst string) error {
	srcObj, srcKey, err := s.object(src)
	if err != nil {
		return err
	}
	dstObj, dstKey, err := s.object(dst)
	if err != nil {
		return err
	}
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, srcKey)
		}
		return fmt.Errorf("copy %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// AccessURL returns a V4 signed GET URL.
func (s *GCSStore) AccessURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	key, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", key, err)
	}
	return url, nil
}

func (s *GCSStore) URI(p string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, strings.TrimPrefix(p, "/"))
}

// ReadURIPrefix reads every JSON object under a gs://bucket/prefix URI.
// Extraction backends use it to collect batch operation output.
func (s *GCSStore) ReadURIPrefix(ctx context.Context, uri string) ([][]byte, error) {
	bucketName, prefix, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	bucket := s.client.Bucket(bucketName)
	names, err := listNames(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := readObject(ctx, bucket.Object(name), name)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func splitURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: not a gs:// uri: %s", ErrInvalidPath, uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: missing bucket in %s", ErrInvalidPath, uri)
	}
	return bucket, prefix, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
