package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// BlobStore holds encrypted record payloads. Only ciphertext is ever handed to it.
type BlobStore interface {
	// Put stores data and returns a URL that Get accepts
	Put(ctx context.Context, data []byte, filename string) (string, error)
	Get(ctx context.Context, blobURL string) ([]byte, error)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFilename keeps the file name readable while preventing path traversal
func sanitizeFilename(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." || name == "_" {
		return "record.bin"
	}
	return name
}

// FileBlobStore writes each blob to dir/<uuid>/<filename>
type FileBlobStore struct {
	dir string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob directory: %w", err)
	}
	if err = os.MkdirAll(abs, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{dir: abs}, nil
}

func (f *FileBlobStore) Put(_ context.Context, data []byte, filename string) (string, error) {
	blobDir := filepath.Join(f.dir, uuid.NewString())
	if err := os.MkdirAll(blobDir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	path := filepath.Join(blobDir, sanitizeFilename(filename))
	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: path}).String(), nil
}

func (f *FileBlobStore) Get(_ context.Context, blobURL string) ([]byte, error) {
	u, err := url.Parse(blobURL)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("invalid blob url %q", blobURL)
	}
	path := filepath.Clean(u.Path)
	if !strings.HasPrefix(path, f.dir+string(filepath.Separator)) {
		return nil, fmt.Errorf("blob url %q is outside the store", blobURL)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// S3BlobStore writes blobs to bucket/[prefix/]blobs/<uuid>/<filename> and returns s3:// URLs
type S3BlobStore struct {
	client    *minio.Client
	bucket    string
	keyPrefix string
}

func NewS3BlobStore(config S3Config) (*S3BlobStore, error) {
	client, err := newMinioClient(config)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	if err = ensureBucket(ctx, client, config.Bucket, config.Region); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return &S3BlobStore{client: client, bucket: config.Bucket, keyPrefix: config.KeyPrefix}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, data []byte, filename string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	objectName := buildObjectPath(s.keyPrefix, "blobs", uuid.NewString(), sanitizeFilename(filename))
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}

func (s *S3BlobStore) Get(ctx context.Context, blobURL string) ([]byte, error) {
	u, err := url.Parse(blobURL)
	if err != nil || u.Scheme != "s3" || u.Host != s.bucket {
		return nil, fmt.Errorf("invalid blob url %q", blobURL)
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	object, err := s.client.GetObject(ctx, s.bucket, strings.TrimPrefix(u.Path, "/"), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
