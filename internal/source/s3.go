package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures the S3 store. Empty keys mean anonymous access.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	HTTPClient      *http.Client
}

// S3 reads objects from an S3-compatible service.
type S3 struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3 builds an S3 store from static options.
func NewS3(opts S3Options, logger *slog.Logger) *S3 {
	o := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.PathStyle,
	}

	if opts.AccessKeyID != "" {
		o.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
	} else {
		o.Credentials = aws.AnonymousCredentials{}
	}

	if opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	}

	if opts.HTTPClient != nil {
		o.HTTPClient = opts.HTTPClient
	}

	return &S3{client: s3.New(o), logger: logger}
}

// Stat implements Store.
func (s *S3) Stat(ctx context.Context, fileID string) (*Metadata, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		return nil, s3Error("stat", fileID, err)
	}

	return &Metadata{
		Name:        path.Base(ref.Path),
		Size:        aws.ToInt64(out.ContentLength),
		MimeType:    aws.ToString(out.ContentType),
		Fingerprint: etagMD5(aws.ToString(out.ETag)),
	}, nil
}

// Open implements Store.
func (s *S3) Open(ctx context.Context, fileID string, offset int64) (io.ReadCloser, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.Path),
	}

	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, s3Error("get", fileID, err)
	}

	s.logger.Debug("s3 read opened",
		slog.String("file_id", fileID),
		slog.Int64("offset", offset),
	)

	if offset > 0 && out.ContentRange == nil {
		return skipReader(out.Body, offset)
	}

	return out.Body, nil
}

// httpStatusError is satisfied by the SDK's transport response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

func s3Error(op, fileID string, err error) error {
	var (
		nsk *types.NoSuchKey
		nf  *types.NotFound
		nb  *types.NoSuchBucket
	)

	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nb) {
		return fmt.Errorf("source: s3 %s %s: %w: %w", op, fileID, ErrNotFound, err)
	}

	var se httpStatusError
	if errors.As(err, &se) {
		switch se.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("source: s3 %s %s: %w: %w", op, fileID, ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("source: s3 %s %s: %w: %w", op, fileID, ErrPermission, err)
		}
	}

	return fmt.Errorf("source: s3 %s %s: %w", op, fileID, err)
}

// etagMD5 returns the object MD5 carried in a single-part ETag. Multipart
// ETags ("<hash>-<parts>") are not content digests.
func etagMD5(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}

	return strings.ToLower(etag)
}
