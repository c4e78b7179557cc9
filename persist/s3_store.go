package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/custody/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

// S3Store keeps keyring slots in an S3 compatible bucket:
//
//	bucket/
//	├── [keyPrefix/]alice/keyring.json
//	└── [keyPrefix/]default/keyring.json
//
// Compare-and-swap uses conditional writes: If-Match on the current ETag for
// replacements and If-None-Match: * for create-only writes.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	profile    string
}

func newMinioClient(config S3Config) (*minio.Client, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// NewS3Store connects to the S3 endpoint and makes sure the bucket exists.
// If no profile is provided, it defaults to "default".
func NewS3Store(config S3Config, profile string) (*S3Store, error) {
	profile, err := normalizeProfile(profile)
	if err != nil {
		return nil, err
	}

	client, err := newMinioClient(config)
	if err != nil {
		return nil, err
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		profile:    profile,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = ensureBucket(ctx, client, config.Bucket, config.Region); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, profile string) (*S3Store, error) {
	s3Config, err := s3ConfigFromMap(config)
	if err != nil {
		return nil, err
	}
	return NewS3Store(s3Config, profile)
}

func s3ConfigFromMap(config StoreConfig) (S3Config, error) {
	var s3Config S3Config
	if config.Type != StoreTypeS3 {
		return s3Config, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	// Parse the config map into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return s3Config, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return s3Config, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}
	return s3Config, nil
}

func (s3s *S3Store) Load(ctx context.Context) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.slotObjectName(), minio.GetObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load keyring slot: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read keyring slot: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get keyring slot info: %w", err)
	}

	// Parse timestamp from metadata, fallback to LastModified
	var timestamp time.Time
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}
	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) Swap(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("keyring data cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	objectName := s3s.slotObjectName()
	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
			"Profile":    s3s.profile,
		},
	}

	if expectedVersion == "" {
		putOptions.SetMatchETagExcept("*")
	} else {
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if isPreconditionFailedError(err) {
			actual, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: actual, Operation: "Swap"}
		}
		return "", fmt.Errorf("failed to save keyring slot: %w", err)
	}

	debug.Print("keyring slot %s/%s written with etag %s\n", s3s.bucketName, objectName, uploadInfo.ETag)
	return cleanETag(uploadInfo.ETag), nil
}

// Clear removes the slot object. S3 has no conditional delete, so the version check
// is a stat followed by a remove.
func (s3s *S3Store) Clear(ctx context.Context, expectedVersion string) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	objectName := s3s.slotObjectName()
	current, err := s3s.getObjectVersion(ctx, objectName)
	if err != nil {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	if current == "" {
		return nil
	}
	if expectedVersion != "" && current != expectedVersion {
		return ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: current, Operation: "Clear"}
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove keyring slot: %w", err)
	}
	return nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) slotObjectName() string {
	return buildObjectPath(s3s.keyPrefix, s3s.profile, keyringObjectName)
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return cleanETag(objInfo.ETag), nil
}

// buildObjectPath joins the non-empty components with single slashes
func buildObjectPath(prefix string, components ...string) string {
	var parts []string

	if cleanPrefix := strings.Trim(prefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		// another process may have created it in the meantime
		if exists, _ = client.BucketExists(ctx, bucket); exists {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func cleanETag(etag string) string {
	// Remove quotes from ETag
	return strings.Trim(etag, "\"")
}

func isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
