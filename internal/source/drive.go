package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const driveFields = "id,name,size,mimeType,md5Checksum,trashed"

// Drive reads files from one owner's Google Drive.
type Drive struct {
	svc    *drive.Service
	logger *slog.Logger
}

// NewDrive builds a Drive store. httpClient must carry the owner's OAuth
// credentials. A non-empty endpoint overrides the API base URL.
func NewDrive(ctx context.Context, httpClient *http.Client, endpoint string, logger *slog.Logger) (*Drive, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("source: creating drive service: %w", err)
	}

	return &Drive{svc: svc, logger: logger}, nil
}

// Stat implements Store.
func (d *Drive) Stat(ctx context.Context, fileID string) (*Metadata, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	f, err := d.svc.Files.Get(ref.Path).
		Fields(driveFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, driveError("stat", fileID, err)
	}

	if f.Trashed {
		return nil, fmt.Errorf("%w: %s is in the trash", ErrNotFound, fileID)
	}

	return &Metadata{
		Name:        f.Name,
		Size:        f.Size,
		MimeType:    f.MimeType,
		Fingerprint: f.Md5Checksum,
	}, nil
}

// Open implements Store.
func (d *Drive) Open(ctx context.Context, fileID string, offset int64) (io.ReadCloser, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	call := d.svc.Files.Get(ref.Path).SupportsAllDrives(true).Context(ctx)
	if offset > 0 {
		call.Header().Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := call.Download()
	if err != nil {
		return nil, driveError("download", fileID, err)
	}

	d.logger.Debug("drive download opened",
		slog.String("file_id", fileID),
		slog.Int64("offset", offset),
		slog.Int("status", resp.StatusCode),
	)

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		return skipReader(resp.Body, offset)
	}

	return resp.Body, nil
}

// driveError maps googleapi status codes onto the package sentinels.
func driveError(op, fileID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("source: drive %s %s: %w: %w", op, fileID, ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			if isDriveRateLimit(gerr) {
				break
			}

			return fmt.Errorf("source: drive %s %s: %w: %w", op, fileID, ErrPermission, err)
		}
	}

	return fmt.Errorf("source: drive %s %s: %w", op, fileID, err)
}

func isDriveRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}

	return false
}
