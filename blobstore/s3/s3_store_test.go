package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecstore/blobstore"
)

func TestCreateRejectsInvalidNames(t *testing.T) {
	store := NewStore(new(MockS3Client), "bucket", "root")
	for _, name := range []string{"", "/abs", "../escape", "segments/../x", `segments\a.vlog`} {
		_, err := store.Create(context.Background(), name)
		assert.ErrorIs(t, err, blobstore.ErrInvalidName, name)
		assert.ErrorIs(t, store.Put(context.Background(), name, nil), blobstore.ErrInvalidName, name)
	}
}

func TestAbortDiscardsUpload(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "bucket", "root")
	// The uploader fails reading the aborted pipe before it sends anything.
	mockClient.On("PutObject", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("unexpected upload")).Maybe()

	w, err := store.Create(context.Background(), "segments/a.vlog")
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.ErrorIs(t, w.Close(), errUploadAborted)
}

func TestReadRangeClipsToSize(t *testing.T) {
	mockClient := new(MockS3Client)
	b := &s3Blob{client: mockClient, bucket: "bucket", key: "root/catalog.bin", size: 10}

	mockClient.On("GetObject", mock.Anything, mock.MatchedBy(func(input *s3.GetObjectInput) bool {
		return *input.Range == "bytes=6-9"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("6789")))}, nil).Once()

	rc, err := b.ReadRange(context.Background(), 6, 100)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "6789", string(data))

	_, err = b.ReadRange(context.Background(), 10, 1)
	assert.ErrorIs(t, err, io.EOF)
	mockClient.AssertExpectations(t)
}

// TestIntegration_S3Store writes a backup-shaped set of blobs to a real
// bucket. Set VECSTORE_S3_BUCKET, and VECSTORE_S3_ENDPOINT for LocalStack
// or another S3-compatible endpoint.
func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("VECSTORE_S3_BUCKET")
	if bucket == "" {
		t.Skip("VECSTORE_S3_BUCKET not set")
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("vecstore-test-%d", time.Now().UnixNano())
	store, err := New(ctx, bucket, func(o *Options) {
		o.Prefix = prefix
		o.Endpoint = os.Getenv("VECSTORE_S3_ENDPOINT")
		o.UsePathStyle = o.Endpoint != ""
		o.Upload.PartSize = 5 * 1024 * 1024
	})
	require.NoError(t, err)

	// Larger than one part, so Create goes through a multipart upload.
	segment := make([]byte, 6*1024*1024+123)
	_, _ = rand.Read(segment)
	names := []string{"segments/a.vlog", "catalog.bin", "BACKUP.json"}
	t.Cleanup(func() {
		for _, name := range append(names, "segments/aborted.vlog") {
			_ = store.Delete(context.Background(), name)
		}
	})

	w, err := store.Create(ctx, names[0])
	require.NoError(t, err)
	_, err = io.Copy(w, bytes.NewReader(segment))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, store.Put(ctx, names[1], []byte("catalog")))
	require.NoError(t, store.Put(ctx, names[2], []byte(`{"format_version":1}`)))

	aborted, err := store.Create(ctx, "segments/aborted.vlog")
	require.NoError(t, err)
	_, err = aborted.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, aborted.Abort())

	listed, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"BACKUP.json", "catalog.bin", "segments/a.vlog"}, listed)

	listed, err = store.List(ctx, "segments/")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments/a.vlog"}, listed)

	b, err := store.Open(ctx, names[0])
	require.NoError(t, err)
	assert.Equal(t, int64(len(segment)), b.Size())

	tail := make([]byte, 200)
	n, err := b.ReadAt(ctx, tail, b.Size()-100)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 100, n)
	assert.Equal(t, segment[len(segment)-100:], tail[:n])
	require.NoError(t, b.Close())

	all, err := blobstore.ReadAll(ctx, store, names[0])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(segment, all))

	require.NoError(t, store.Delete(ctx, names[2]))
	_, err = store.Open(ctx, names[2])
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
