package s3

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/config"
	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

const testBucket = "mailblob-test"

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()

	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	client, err := NewClient(ctx, config.S3Config{
		Endpoint:        ts.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	_, err = client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(testBucket)})
	require.NoError(t, err)

	b, err := New(client, Config{Bucket: testBucket, Prefix: "blobs/", SpoolDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func readContent(t *testing.T, b *Backend, locator string) string {
	t.Helper()
	rc, err := b.Read(context.Background(), locator, 1)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(nil, Config{Bucket: "b", PartSize: 1024}, zerolog.Nop())
	require.Error(t, err)
}

func TestBackend_Negotiate(t *testing.T) {
	b := newTestBackend(t)
	n, err := storage.Negotiate(b)
	require.NoError(t, err)
	require.False(t, n.Caps.ContentAddressed)
	require.NotNil(t, n.Lister)
	require.NotNil(t, n.BulkDeleter)
	require.NotNil(t, n.Resumable)
}

func TestBackend_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	locator, err := b.Write(ctx, strings.NewReader("hello s3"), 8, 42)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(locator, "42/"))

	require.Equal(t, "hello s3", readContent(t, b, locator))

	size, err := b.Stat(ctx, locator, 42)
	require.NoError(t, err)
	require.Equal(t, int64(8), size)

	deleted, err := b.Delete(ctx, locator, 42)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = b.Delete(ctx, locator, 42)
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = b.Read(ctx, locator, 42)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackend_WriteSpoolsUnseekableReader(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("streamed "))
		pw.Write([]byte("content"))
		pw.Close()
	}()

	locator, err := b.Write(ctx, pr, -1, 1)
	require.NoError(t, err)
	require.Equal(t, "streamed content", readContent(t, b, locator))
}

func TestBackend_LocatorsAreUnique(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	l1, err := b.Write(ctx, strings.NewReader("same"), 4, 1)
	require.NoError(t, err)
	l2, err := b.Write(ctx, strings.NewReader("same"), 4, 1)
	require.NoError(t, err)
	require.NotEqual(t, l1, l2)
}

func TestBackend_ListAndDeleteMany(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	var mine []string
	for _, content := range []string{"a", "bb", "ccc"} {
		locator, err := b.Write(ctx, strings.NewReader(content), int64(len(content)), 7)
		require.NoError(t, err)
		mine = append(mine, locator)
	}
	other, err := b.Write(ctx, strings.NewReader("other"), 5, 8)
	require.NoError(t, err)

	objects, err := b.List(ctx, 7)
	require.NoError(t, err)

	var listed []string
	for _, obj := range objects {
		listed = append(listed, obj.Locator)
	}
	sort.Strings(listed)
	sort.Strings(mine)
	require.Equal(t, mine, listed)

	require.NoError(t, b.DeleteMany(ctx, mine, 7))

	objects, err = b.List(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, objects)

	require.Equal(t, "other", readContent(t, b, other))
}

func TestBackend_ResumableUploadSmall(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	up, err := b.NewUpload(ctx, 3)
	require.NoError(t, err)

	_, err = up.Append(ctx, []byte("first "))
	require.NoError(t, err)
	_, err = up.Append(ctx, []byte("second"))
	require.NoError(t, err)

	size, err := up.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), size)

	locator, err := b.FinishUpload(ctx, up.ID(), 3)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(locator, "3/"))
	require.Equal(t, "first second", readContent(t, b, locator))

	_, err = up.Append(ctx, []byte("late"))
	require.ErrorIs(t, err, domain.ErrUploadClosed)

	_, err = b.FinishUpload(ctx, up.ID(), 3)
	require.ErrorIs(t, err, domain.ErrUploadNotOpen)
}

func TestBackend_AbortUpload(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	up, err := b.NewUpload(ctx, 3)
	require.NoError(t, err)
	_, err = up.Append(ctx, []byte("abandoned"))
	require.NoError(t, err)

	require.NoError(t, b.AbortUpload(ctx, up.ID(), 3))
	require.NoError(t, b.AbortUpload(ctx, up.ID(), 3))

	objects, err := b.List(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestBackend_ResumableUploadMultipart(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	up, err := b.NewUpload(ctx, 5)
	require.NoError(t, err)

	head := bytes.Repeat([]byte("a"), MinPartSize+10)
	_, err = up.Append(ctx, head)
	require.NoError(t, err)
	_, err = up.Append(ctx, []byte("tail"))
	require.NoError(t, err)

	size, err := up.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(MinPartSize+14), size)

	locator, err := b.FinishUpload(ctx, up.ID(), 5)
	require.NoError(t, err)

	content := readContent(t, b, locator)
	require.Len(t, content, MinPartSize+14)
	require.True(t, strings.HasSuffix(content, "aaaaaaaaaatail"))
}

func TestBackend_UploadSizeReflectsShippedParts(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	up, err := b.NewUpload(ctx, 5)
	require.NoError(t, err)
	_, err = up.Append(ctx, bytes.Repeat([]byte("b"), MinPartSize+1))
	require.NoError(t, err)

	mu := up.(*multipartUpload)
	require.NotEmpty(t, mu.s3ID)

	// Drop the shipped parts behind the upload's back.
	_, err = b.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.key(mu.locator)),
		UploadId: aws.String(mu.s3ID),
	})
	require.NoError(t, err)

	_, err = up.Size(ctx)
	require.Error(t, err)

	require.NoError(t, b.AbortUpload(ctx, up.ID(), 5))
}

func TestBackend_UploadAppendHonorsContext(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	up, err := b.NewUpload(ctx, 5)
	require.NoError(t, err)
	_, err = up.Append(ctx, []byte("kept"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = up.Append(cancelled, bytes.Repeat([]byte("c"), MinPartSize))
	require.ErrorIs(t, err, context.Canceled)

	size, err := up.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), size)

	require.NoError(t, b.AbortUpload(ctx, up.ID(), 5))
}
