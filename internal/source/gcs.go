package source

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS reads objects from Google Cloud Storage with service credentials.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
}

// NewGCS opens a storage client. An empty credentialsFile falls back to
// application default credentials.
func NewGCS(ctx context.Context, credentialsFile, endpoint string, logger *slog.Logger) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("source: creating gcs client: %w", err)
	}

	return &GCS{client: client, logger: logger}, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// Stat implements Store.
func (g *GCS) Stat(ctx context.Context, fileID string) (*Metadata, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	attrs, err := g.client.Bucket(ref.Container).Object(ref.Path).Attrs(ctx)
	if err != nil {
		return nil, gcsError("stat", fileID, err)
	}

	return &Metadata{
		Name:        path.Base(attrs.Name),
		Size:        attrs.Size,
		MimeType:    attrs.ContentType,
		Fingerprint: md5Hex(attrs.MD5),
	}, nil
}

// Open implements Store.
func (g *GCS) Open(ctx context.Context, fileID string, offset int64) (io.ReadCloser, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(ref.Container).Object(ref.Path).NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, gcsError("read", fileID, err)
	}

	g.logger.Debug("gcs read opened",
		slog.String("file_id", fileID),
		slog.Int64("offset", offset),
	)

	return r, nil
}

func gcsError(op, fileID string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("source: gcs %s %s: %w: %w", op, fileID, ErrNotFound, err)
	}

	return fmt.Errorf("source: gcs %s %s: %w", op, fileID, err)
}

// md5Hex renders a raw MD5 digest as lowercase hex. Composite objects have
// no MD5 and yield an empty fingerprint.
func md5Hex(sum []byte) string {
	if len(sum) != 16 {
		return ""
	}

	return hex.EncodeToString(sum)
}
