package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

const watchURLPrefix = "https://www.youtube.com/watch?v="

// WatchURL returns the canonical public URL of a video id.
func WatchURL(id string) string {
	return watchURLPrefix + url.QueryEscape(id)
}

type listResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
	} `json:"items"`
}

// Exists reports whether a video id is still present on the channel. It
// costs one videos.list unit.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	q := url.Values{}
	q.Set("part", "id")
	q.Set("id", id)

	var lr listResponse
	if err := c.getJSON(ctx, "/youtube/v3/videos?"+q.Encode(), &lr); err != nil {
		return false, err
	}

	exists := false

	for _, it := range lr.Items {
		if it.ID == id {
			exists = true

			break
		}
	}

	c.logger.Debug("existence check",
		slog.String("video_id", id),
		slog.Bool("exists", exists),
	)

	return exists, nil
}

// Channel identifies the account the client uploads to.
type Channel struct {
	ID    string
	Title string
}

// Me returns the caller's own channel. It costs one channels.list unit and
// is used to confirm that imported credentials work.
func (c *Client) Me(ctx context.Context) (*Channel, error) {
	var lr listResponse
	if err := c.getJSON(ctx, "/youtube/v3/channels?part=id,snippet&mine=true", &lr); err != nil {
		return nil, err
	}

	if len(lr.Items) == 0 {
		return nil, fmt.Errorf("sink: account has no channel")
	}

	return &Channel{ID: lr.Items[0].ID, Title: lr.Items[0].Snippet.Title}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, c.endpoints.API+path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sink: decoding response: %w", err)
	}

	return nil
}
