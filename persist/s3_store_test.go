package persist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// startMinio returns an S3 endpoint URL, either from S3_MINIO_ENDPOINT or from a
// throwaway MinIO container. The test is skipped when neither is available.
func startMinio(t *testing.T) string {
	t.Helper()
	if endpoint := os.Getenv("S3_MINIO_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("MinIO container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := minioContainer.Terminate(ctx); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	})

	mappedPort, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)
	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)

	return fmt.Sprintf("http://%s:%s", host, mappedPort.Port())
}

func testS3Config(t *testing.T) S3Config {
	endpoint, useSSL := parseEndpoint(startMinio(t))
	if sslEnv := os.Getenv("S3_MINIO_USE_SSL"); sslEnv != "" {
		useSSL = parseBool(sslEnv)
	}

	bucketName := os.Getenv("S3_BUCKET")
	if bucketName == "" {
		bucketName = "test-custody-store"
	}
	accessKeyID := os.Getenv("S3_MINIO_ACCESS_KEY_ID")
	if accessKeyID == "" {
		accessKeyID = testAccessKey
	}
	secretAccessKey := os.Getenv("S3_MINIO_SECRET_ACCESS_KEY")
	if secretAccessKey == "" {
		secretAccessKey = testSecretKey
	}

	return S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Bucket:          bucketName,
		KeyPrefix:       "test/",
		UseSSL:          useSSL,
		Region:          "us-east-1",
	}
}

func TestS3Store(t *testing.T) {
	config := testS3Config(t)
	t.Logf("Configuring S3Store with endpoint: %s, bucket: %s", config.Endpoint, config.Bucket)

	store, err := NewS3Store(config, testProfile)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := cleanupS3Objects(config); err != nil {
			t.Logf("Warning: Failed to cleanup S3 objects: %v", err)
		}
	})

	testStoreImplementation(t, store)

	t.Run("BlobRoundTrip", func(t *testing.T) {
		blobs, err := NewS3BlobStore(config)
		require.NoError(t, err)

		ctx := context.Background()
		u, err := blobs.Put(ctx, []byte("ciphertext"), "scan.pdf")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u, "s3://"+config.Bucket+"/test/blobs/"))
		assert.True(t, strings.HasSuffix(u, "/scan.pdf"))

		data, err := blobs.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, []byte("ciphertext"), data)
	})
}

// parseEndpoint extracts host:port from full URL and determines SSL usage
func parseEndpoint(endpointURL string) (string, bool) {
	endpoint := strings.TrimPrefix(endpointURL, "http://")
	useSSL := false

	if strings.HasPrefix(endpointURL, "https://") {
		endpoint = strings.TrimPrefix(endpointURL, "https://")
		useSSL = true
	}

	// Remove any trailing path
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}

	return endpoint, useSSL
}

// cleanupS3Objects removes all objects below the test prefix
func cleanupS3Objects(config S3Config) error {
	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	ctx := context.Background()
	objectCh := minioClient.ListObjects(ctx, config.Bucket, minio.ListObjectsOptions{
		Prefix:    config.KeyPrefix,
		Recursive: true,
	})

	var deleteErrors []string
	for object := range objectCh {
		if object.Err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("error listing object: %v", object.Err))
			continue
		}
		if err = minioClient.RemoveObject(ctx, config.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("failed to delete object %s: %v", object.Key, err))
		}
	}

	if len(deleteErrors) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(deleteErrors, "; "))
	}
	return nil
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}
