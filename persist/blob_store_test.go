package persist

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBlobStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	u, err := store.Put(ctx, []byte("ciphertext"), "../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "/passwd"))

	data, err := store.Get(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	u2, err := store.Put(ctx, []byte("other"), "passwd")
	require.NoError(t, err)
	assert.NotEqual(t, u, u2, "blobs with the same name must not collide")

	_, err = store.Get(ctx, "file:///etc/hostname")
	assert.Error(t, err)

	_, err = store.Get(ctx, "s3://bucket/key")
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":       "report.pdf",
		"my scan (1).png":  "my_scan_1_.png",
		"../../secret.txt": "secret.txt",
		"":                 "record.bin",
		"..":               "record.bin",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), "input %q", in)
	}
}
