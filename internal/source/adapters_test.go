package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "0123456789abcdef"

// serveRange writes payload honouring a "bytes=N-" Range header.
func serveRange(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")
	if rng == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = io.WriteString(w, payload)

		return
	}

	start, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(payload)-1, len(payload)))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)-start))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.WriteString(w, payload[start:])
}

func TestDrive_StatAndOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files/F1" && r.URL.Query().Get("alt") == "media":
			serveRange(w, r)
		case r.URL.Path == "/files/F1":
			assert.Equal(t, "true", r.URL.Query().Get("supportsAllDrives"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"F1","name":"a.mp4","size":"16","mimeType":"video/mp4","md5Checksum":"abc"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"File not found"}}`)
		}
	}))
	defer srv.Close()

	d, err := NewDrive(context.Background(), srv.Client(), srv.URL+"/", testLogger(t))
	require.NoError(t, err)

	md, err := d.Stat(context.Background(), "drive://F1")
	require.NoError(t, err)
	assert.Equal(t, &Metadata{Name: "a.mp4", Size: 16, MimeType: "video/mp4", Fingerprint: "abc"}, md)

	rc, err := d.Open(context.Background(), "drive://F1", 10)
	require.NoError(t, err)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "abcdef", string(b))

	_, err = d.Stat(context.Background(), "drive://missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDrive_Trashed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"F1","name":"a.mp4","size":"16","trashed":true}`)
	}))
	defer srv.Close()

	d, err := NewDrive(context.Background(), srv.Client(), srv.URL+"/", testLogger(t))
	require.NoError(t, err)

	_, err = d.Stat(context.Background(), "drive://F1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3_StatAndOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bucket/dir/clip.mov" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Content-Type", "video/quicktime")
			w.Header().Set("ETag", `"900150983cd24fb0d6963f7d28e17f72"`)
			w.WriteHeader(http.StatusOK)

			return
		}

		serveRange(w, r)
	}))
	defer srv.Close()

	st := NewS3(S3Options{
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      srv.Client(),
	}, testLogger(t))

	md, err := st.Stat(context.Background(), "s3://bucket/dir/clip.mov")
	require.NoError(t, err)
	assert.Equal(t, &Metadata{
		Name:        "clip.mov",
		Size:        16,
		MimeType:    "video/quicktime",
		Fingerprint: "900150983cd24fb0d6963f7d28e17f72",
	}, md)

	rc, err := st.Open(context.Background(), "s3://bucket/dir/clip.mov", 4)
	require.NoError(t, err)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, payload[4:], string(b))

	_, err = st.Stat(context.Background(), "s3://bucket/missing.mov")
	require.ErrorIs(t, err, ErrNotFound)
}
