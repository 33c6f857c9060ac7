package s3

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/storage"
)

// multipartUpload buffers appended bytes and ships them as multipart parts.
// The S3 multipart upload is created with the first full part, so uploads
// smaller than one part finish with a single PutObject.
type multipartUpload struct {
	b       *Backend
	id      string
	locator string

	mu     sync.Mutex
	s3ID   string
	parts  []types.CompletedPart
	buf    bytes.Buffer
	closed bool
}

func (u *multipartUpload) ID() string {
	return u.id
}

// Append buffers p and ships every full part. A failed part leaves the
// upload short, which the next Size call exposes.
func (u *multipartUpload) Append(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, domain.NewDomainError(domain.ErrUploadClosed, "", u.id)
	}

	u.buf.Write(p)
	for int64(u.buf.Len()) >= u.b.partSize {
		if err := u.flushPart(ctx, u.b.partSize); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Size returns the bytes S3 reports for the shipped parts plus the tail
// still buffered for the next part.
func (u *multipartUpload) Size(ctx context.Context) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, domain.NewDomainError(domain.ErrUploadClosed, "", u.id)
	}

	shipped, err := u.listedSize(ctx)
	if err != nil {
		return 0, err
	}
	return shipped + int64(u.buf.Len()), nil
}

// listedSize sums the part sizes S3 holds for the upload. Caller holds u.mu.
func (u *multipartUpload) listedSize(ctx context.Context) (int64, error) {
	if u.s3ID == "" {
		return 0, nil
	}

	var total int64
	paginator := awss3.NewListPartsPaginator(u.b.client, &awss3.ListPartsInput{
		Bucket:   aws.String(u.b.bucket),
		Key:      aws.String(u.b.key(u.locator)),
		UploadId: aws.String(u.s3ID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list upload parts: %w", err)
		}
		for _, part := range page.Parts {
			total += aws.ToInt64(part.Size)
		}
	}
	return total, nil
}

// flushPart uploads the next n buffered bytes as a part. Caller holds u.mu.
func (u *multipartUpload) flushPart(ctx context.Context, n int64) error {
	if u.s3ID == "" {
		out, err := u.b.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
			Bucket: aws.String(u.b.bucket),
			Key:    aws.String(u.b.key(u.locator)),
		})
		if err != nil {
			return fmt.Errorf("failed to create multipart upload: %w", err)
		}
		u.s3ID = aws.ToString(out.UploadId)
	}

	part := u.buf.Next(int(n))
	number := int32(len(u.parts) + 1)

	out, err := u.b.client.UploadPart(ctx, &awss3.UploadPartInput{
		Bucket:        aws.String(u.b.bucket),
		Key:           aws.String(u.b.key(u.locator)),
		UploadId:      aws.String(u.s3ID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(part),
		ContentLength: aws.Int64(int64(len(part))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", number, err)
	}

	u.parts = append(u.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(number),
	})
	return nil
}

// NewUpload opens a resumable upload. The upload state lives in this
// process until it is finished or aborted.
func (b *Backend) NewUpload(ctx context.Context, mailboxID int64) (storage.Upload, error) {
	u := &multipartUpload{
		b:       b,
		id:      uuid.NewString(),
		locator: newLocator(mailboxID),
	}

	b.mu.Lock()
	b.uploads[u.id] = u
	b.mu.Unlock()

	b.logger.Debug().Str("upload_id", u.id).Str("locator", u.locator).Msg("Upload opened")
	return u, nil
}

func (b *Backend) takeUpload(uploadID string) (*multipartUpload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[uploadID]
	delete(b.uploads, uploadID)
	return u, ok
}

// FinishUpload completes the upload and returns its locator.
func (b *Backend) FinishUpload(ctx context.Context, uploadID string, mailboxID int64) (string, error) {
	u, ok := b.takeUpload(uploadID)
	if !ok {
		return "", domain.NewDomainError(domain.ErrUploadNotOpen, "", uploadID)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true

	if u.s3ID == "" {
		_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(b.key(u.locator)),
			Body:          bytes.NewReader(u.buf.Bytes()),
			ContentLength: aws.Int64(int64(u.buf.Len())),
		})
		if err != nil {
			return "", fmt.Errorf("failed to put object: %w", err)
		}
		return u.locator, nil
	}

	if u.buf.Len() > 0 {
		if err := u.flushPart(ctx, int64(u.buf.Len())); err != nil {
			b.abort(ctx, u)
			return "", err
		}
	}

	_, err := b.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(b.key(u.locator)),
		UploadId:        aws.String(u.s3ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: u.parts},
	})
	if err != nil {
		b.abort(ctx, u)
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	b.logger.Debug().
		Str("upload_id", uploadID).
		Str("locator", u.locator).
		Int("parts", len(u.parts)).
		Msg("Upload finished")
	return u.locator, nil
}

// AbortUpload discards the upload. Unknown ids are ignored.
func (b *Backend) AbortUpload(ctx context.Context, uploadID string, mailboxID int64) error {
	u, ok := b.takeUpload(uploadID)
	if !ok {
		return nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return b.abort(ctx, u)
}

// abort releases the S3 side of an upload. Caller holds u.mu.
func (b *Backend) abort(ctx context.Context, u *multipartUpload) error {
	u.buf.Reset()
	if u.s3ID == "" {
		return nil
	}

	_, err := b.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.key(u.locator)),
		UploadId: aws.String(u.s3ID),
	})
	if err != nil && !isNotFound(err) {
		b.logger.Warn().Err(err).Str("upload_id", u.id).Msg("Failed to abort multipart upload")
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}
