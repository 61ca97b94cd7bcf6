package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"
	"github.com/jszwec/s3fs/v2"
)

var _ ByteSource = &S3Source{}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Source reads an object with ranged GETs so each chunk only pulls its own bytes.
type S3Source struct {
	client   s3API
	bucket   string
	key      string
	basePath string
	logger   Logger
}

func NewS3Source(client *s3.Client, bucket, key string) *S3Source {
	return &S3Source{
		client: client,
		bucket: bucket,
		key:    key,
		logger: NewDefaultLogger(),
	}
}

func (s *S3Source) WithLogger(logger Logger) *S3Source {
	s.logger = logger
	return s
}

func (s *S3Source) WithBasePath(basePath string) *S3Source {
	s.basePath = basePath
	return s
}

func (s *S3Source) Validate(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("s3 source: client not configured")
	}

	if s.bucket == "" {
		return fmt.Errorf("s3 source: bucket not configured")
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 source: head bucket: %w", mapS3Error(err))
	}

	return nil
}

func (s *S3Source) Open(ctx context.Context) (Blob, error) {
	if err := s.Validate(ctx); err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.getKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 source: head object: %w", mapS3Error(err))
	}

	size := aws.ToInt64(out.ContentLength)
	s.logger.Debug("opened s3 object", "bucket", s.bucket, "key", aws.ToString(s.getKey()), "size", size)

	return &s3Blob{src: s, size: size}, nil
}

// Describe builds a File for the object, sniffing its MIME type from the
// first bytes with a single ranged read.
func (s *S3Source) Describe(ctx context.Context) (File, error) {
	blob, err := s.Open(ctx)
	if err != nil {
		return File{}, err
	}
	defer blob.Close()

	mt, err := mimetype.DetectReader(NewBlobSection(ctx, blob, 0, DefaultSniffLength))
	if err != nil {
		return File{}, fmt.Errorf("s3 source: detect type: %w", err)
	}

	return File{
		Name:     path.Base(s.key),
		Size:     blob.Size(),
		MimeType: mt.String(),
		Source:   s,
	}, nil
}

func (s *S3Source) getKey() *string {
	if s.basePath == "" {
		return aws.String(s.key)
	}
	return aws.String(path.Join(s.basePath, s.key))
}

// s3Blob holds no context of its own. Reads through NewBlobSection use the
// context of the request they feed.
type s3Blob struct {
	src  *S3Source
	size int64
}

var _ ContextReaderAt = &s3Blob{}

func (b *s3Blob) Size() int64  { return b.size }
func (b *s3Blob) Close() error { return nil }

func (b *s3Blob) ReadAt(p []byte, off int64) (int, error) {
	return b.ReadAtContext(context.Background(), p, off)
}

func (b *s3Blob) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("s3 source: negative offset %d", off)
	}

	if off >= b.size {
		return 0, io.EOF
	}

	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}

	out, err := b.src.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.src.bucket),
		Key:    b.src.getKey(),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 source: get range: %w", mapS3Error(err))
	}
	defer out.Body.Close()

	want := int(end - off + 1)
	n, err := io.ReadFull(out.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("s3 source: read range: %w", err)
	}

	if want < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func mapS3Error(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return fmt.Errorf("%w: %w", ErrFileNotFound, err)
	case "AccessDenied", "Forbidden":
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	return err
}

// NewS3FS exposes a bucket as an fs.FS with "/" separated keys as
// directories. Pair it with FSFiles to upload every object under a prefix.
func NewS3FS(client s3fs.Client, bucket string) fs.FS {
	return s3fs.New(client, bucket)
}
