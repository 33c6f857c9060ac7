package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

const (
	// maxDeleteBatch is the S3 limit on keys per DeleteObjects call.
	maxDeleteBatch = 1000

	// MinPartSize is the S3 minimum size of every multipart part but the last.
	MinPartSize = 5 << 20
)

// Config holds backend settings that are not part of the client.
type Config struct {
	Bucket string

	// Prefix is prepended to every key.
	Prefix string

	// PartSize is the multipart part size for resumable uploads.
	PartSize int64

	// SpoolDir holds temp copies of unseekable inputs. Empty means os.TempDir.
	SpoolDir string
}

// Backend is the S3 storage backend.
type Backend struct {
	client   *awss3.Client
	bucket   string
	prefix   string
	partSize int64
	spoolDir string
	logger   zerolog.Logger

	mu      sync.Mutex
	uploads map[string]*multipartUpload
}

// New creates an S3 backend.
func New(client *awss3.Client, cfg Config, logger zerolog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = MinPartSize
	}
	if cfg.PartSize < MinPartSize {
		return nil, fmt.Errorf("s3 backend: part size %d is below the S3 minimum %d", cfg.PartSize, MinPartSize)
	}

	return &Backend{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		partSize: cfg.PartSize,
		spoolDir: cfg.SpoolDir,
		logger:   logger.With().Str("service", "s3_backend").Str("bucket", cfg.Bucket).Logger(),
		uploads:  make(map[string]*multipartUpload),
	}, nil
}

// Capabilities declares what this backend supports.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Centralized:     true,
		Listing:         true,
		BulkDelete:      true,
		Stat:            true,
		ResumableUpload: true,
	}
}

// =============================================================================
// Keys
// =============================================================================

func mailboxPrefix(mailboxID int64) string {
	return strconv.FormatInt(mailboxID, 10) + "/"
}

func newLocator(mailboxID int64) string {
	return mailboxPrefix(mailboxID) + uuid.NewString()
}

func (b *Backend) key(locator string) string {
	return b.prefix + locator
}

// isNotFound maps the S3 missing-object errors.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return true
		}
	}
	return false
}

// =============================================================================
// Backend
// =============================================================================

// Write stores content under a new locator in the mailbox's namespace.
func (b *Backend) Write(ctx context.Context, reader io.Reader, sizeHint int64, mailboxID int64) (string, error) {
	body, size, cleanup, err := b.seekable(reader, sizeHint)
	if err != nil {
		return "", err
	}
	defer cleanup()

	locator := newLocator(mailboxID)
	input := &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(locator)),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	b.logger.Debug().
		Str("locator", locator).
		Int64("size", size).
		Msg("Object written")
	return locator, nil
}

// seekable returns a body the SDK can rewind for signing and retries.
// Unseekable readers are spooled to a temp file.
func (b *Backend) seekable(reader io.Reader, sizeHint int64) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := reader.(io.ReadSeeker); ok {
		return rs, sizeHint, func() {}, nil
	}

	f, err := os.CreateTemp(b.spoolDir, "s3-spool-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	n, err := io.Copy(f, reader)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("failed to spool content: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return f, n, cleanup, nil
}

// Read opens the object at locator.
func (b *Backend) Read(ctx context.Context, locator string, mailboxID int64) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(locator)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return out.Body, nil
}

// Stat returns the object size.
func (b *Backend) Stat(ctx context.Context, locator string, mailboxID int64) (int64, error) {
	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(locator)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to head object: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes the object at locator.
func (b *Backend) Delete(ctx context.Context, locator string, mailboxID int64) (bool, error) {
	if _, err := b.Stat(ctx, locator, mailboxID); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(locator)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete object: %w", err)
	}
	return true, nil
}

// =============================================================================
// Listing and bulk delete
// =============================================================================

// List returns every object in the mailbox's namespace.
func (b *Backend) List(ctx context.Context, mailboxID int64) ([]storage.ObjectInfo, error) {
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(mailboxPrefix(mailboxID))),
	})

	var objects []storage.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, storage.ObjectInfo{
				Locator: strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// DeleteMany removes locators in batches.
func (b *Backend) DeleteMany(ctx context.Context, locators []string, mailboxID int64) error {
	var errs []error
	for start := 0; start < len(locators); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(locators))

		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, locator := range locators[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(b.key(locator))})
		}

		out, err := b.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %d objects: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Ensure Backend implements the declared interfaces.
var (
	_ storage.Backend            = (*Backend)(nil)
	_ storage.Lister             = (*Backend)(nil)
	_ storage.BulkDeleter        = (*Backend)(nil)
	_ storage.Stater             = (*Backend)(nil)
	_ storage.ResumableUploader  = (*Backend)(nil)
	_ storage.CapabilityReporter = (*Backend)(nil)
)
