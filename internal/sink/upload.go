package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ChunkAlignment is the required alignment for upload chunk sizes (256 KiB).
// All chunks except the final one must be a multiple of this value.
const ChunkAlignment = 256 * 1024

// statusResumeIncomplete is the status the upload endpoint returns for an
// accepted intermediate chunk or a status query on an unfinished session.
const statusResumeIncomplete = 308

// Metadata describes the video resource created by an upload.
type Metadata struct {
	Title             string
	Description       string
	Tags              []string
	CategoryID        string
	Privacy           string
	MadeForKids       bool
	NotifySubscribers bool
}

// Session is an open resumable upload. URL is the session URI returned by
// the create call; it is valid for about a week.
type Session struct {
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Video is the resource returned when an upload completes.
type Video struct {
	ID           string
	UploadStatus string
}

type videoResource struct {
	Snippet videoSnippet `json:"snippet"`
	Status  videoStatus  `json:"status"`
}

type videoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

type videoStatus struct {
	PrivacyStatus           string `json:"privacyStatus"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
	UploadStatus            string `json:"uploadStatus,omitempty"`
}

type videoResponse struct {
	ID     string      `json:"id"`
	Status videoStatus `json:"status"`
}

// CreateSession opens a resumable upload for size bytes of contentType.
// This is the upload-class call that the API meters at videos.insert cost.
func (c *Client) CreateSession(ctx context.Context, meta Metadata, size int64, contentType string) (*Session, error) {
	c.logger.Info("creating upload session",
		slog.String("title", meta.Title),
		slog.Int64("size", size),
	)

	if contentType == "" {
		contentType = "video/*"
	}

	body, err := json.Marshal(videoResource{
		Snippet: videoSnippet{
			Title:       meta.Title,
			Description: meta.Description,
			Tags:        meta.Tags,
			CategoryID:  meta.CategoryID,
		},
		Status: videoStatus{
			PrivacyStatus:           meta.Privacy,
			SelfDeclaredMadeForKids: meta.MadeForKids,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sink: marshaling video resource: %w", err)
	}

	q := url.Values{}
	q.Set("uploadType", "resumable")
	q.Set("part", "snippet,status")
	q.Set("notifySubscribers", strconv.FormatBool(meta.NotifySubscribers))

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	header.Set("X-Upload-Content-Type", contentType)

	resp, err := c.Do(ctx, http.MethodPost, c.endpoints.Upload+"/upload/youtube/v3/videos?"+q.Encode(),
		header, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return nil, fmt.Errorf("sink: draining session response body: %w", drainErr)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("sink: upload session response has no Location header")
	}

	c.logger.Debug("upload session created", slog.String("url", redact(loc)))

	return &Session{URL: loc, Size: size, ContentType: contentType}, nil
}

// ChunkResult reports the server's position after a chunk. Next is the
// first byte the server has not yet committed; Video is set only once the
// final byte is accepted.
type ChunkResult struct {
	Next  int64
	Video *Video
}

// UploadChunk sends length bytes starting at offset. The server may commit
// fewer bytes than sent; callers continue from ChunkResult.Next. The body is
// not retried here since the reader cannot be replayed.
func (c *Client) UploadChunk(ctx context.Context, s *Session, chunk io.Reader, offset, length int64) (*ChunkResult, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", s.Size),
	)

	req, err := c.sessionRequest(ctx, s, chunk)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, s.Size))
	req.Header.Set("Content-Type", s.ContentType)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sink: chunk upload request failed: %w", err)
	}

	return c.handleSessionResponse(resp)
}

// QueryOffset asks the server how much of the session it has committed.
// Used to resume after an interruption.
func (c *Client) QueryOffset(ctx context.Context, s *Session) (*ChunkResult, error) {
	c.logger.Info("querying upload session status")

	req, err := c.sessionRequest(ctx, s, http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", s.Size))
	req.ContentLength = 0

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sink: query upload session request failed: %w", err)
	}

	res, err := c.handleSessionResponse(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("upload session status", slog.Int64("committed", res.Next))

	return res, nil
}

// sessionRequest builds an authenticated PUT against a session URL.
func (c *Client) sessionRequest(ctx context.Context, s *Session, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URL, body)
	if err != nil {
		return nil, fmt.Errorf("sink: creating session request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("sink: obtaining token for upload: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

// handleSessionResponse interprets a chunk or status-query response.
// 308 means incomplete, 200/201 means done, 404/410 means the session is gone.
func (c *Client) handleSessionResponse(resp *http.Response) (*ChunkResult, error) {
	switch resp.StatusCode {
	case statusResumeIncomplete:
		defer resp.Body.Close()

		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("sink: draining chunk response body: %w", drainErr)
		}

		next, err := parseRange(resp.Header.Get("Range"))
		if err != nil {
			return nil, err
		}

		return &ChunkResult{Next: next}, nil

	case http.StatusOK, http.StatusCreated:
		defer resp.Body.Close()

		var vr videoResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&vr); decErr != nil {
			return nil, fmt.Errorf("sink: decoding final chunk response: %w", decErr)
		}

		if vr.ID == "" {
			return nil, fmt.Errorf("sink: final chunk response has no video id")
		}

		c.logger.Debug("upload complete", slog.String("video_id", vr.ID))

		return &ChunkResult{Video: &Video{ID: vr.ID, UploadStatus: vr.Status.UploadStatus}}, nil

	case http.StatusNotFound, http.StatusGone:
		apiErr := readAPIError(resp)
		apiErr.Err = ErrSessionExpired

		c.logger.Warn("upload session expired", slog.Int("status", apiErr.StatusCode))

		return nil, apiErr

	default:
		apiErr := readAPIError(resp)

		c.logger.Error("session request failed",
			slog.Int("status", apiErr.StatusCode),
			slog.String("reason", apiErr.Reason),
		)

		return nil, apiErr
	}
}

// parseRange converts a "bytes=0-N" header into the next offset N+1.
// A missing header means nothing was committed.
func parseRange(h string) (int64, error) {
	if h == "" {
		return 0, nil
	}

	byteRange, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, fmt.Errorf("sink: malformed Range header %q", h)
	}

	_, last, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, fmt.Errorf("sink: malformed Range header %q", h)
	}

	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sink: malformed Range header %q: %w", h, err)
	}

	return n + 1, nil
}
