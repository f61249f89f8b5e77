package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Ref
		err  error
	}{
		{"drive://1AbC", Ref{Scheme: "drive", Path: "1AbC"}, nil},
		{"gs://bucket/dir/a.mp4", Ref{Scheme: "gs", Container: "bucket", Path: "dir/a.mp4"}, nil},
		{"s3://b/k.mov", Ref{Scheme: "s3", Container: "b", Path: "k.mov"}, nil},
		{"a.mp4", Ref{}, ErrMalformedRef},
		{"drive://", Ref{}, ErrMalformedRef},
		{"drive://a/b", Ref{}, ErrMalformedRef},
		{"gs://bucket", Ref{}, ErrMalformedRef},
		{"s3:///key", Ref{}, ErrMalformedRef},
		{"ftp://host/x", Ref{}, ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRef(tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.True(t, IsPermanent(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeStore struct {
	name string
	data string
}

func (f *fakeStore) Stat(_ context.Context, _ string) (*Metadata, error) {
	return &Metadata{Name: f.name, Size: int64(len(f.data))}, nil
}

func (f *fakeStore) Open(_ context.Context, _ string, offset int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.data[offset:])), nil
}

func TestRouter_Dispatch(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	r.Register(SchemeDrive, &fakeStore{name: "drive", data: "drive-bytes"})
	r.Register(SchemeS3, &fakeStore{name: "s3", data: "s3-bytes"})

	md, err := r.Stat(context.Background(), "s3://b/k")
	require.NoError(t, err)
	assert.Equal(t, "s3", md.Name)

	rc, err := r.Open(context.Background(), "drive://x", 6)
	require.NoError(t, err)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(b))

	_, err = r.Stat(context.Background(), "gs://b/k")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestSkipReader(t *testing.T) {
	t.Parallel()

	rc, err := skipReader(io.NopCloser(strings.NewReader("0123456789")), 4)
	require.NoError(t, err)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(b))

	_, err = skipReader(io.NopCloser(strings.NewReader("abc")), 10)
	require.Error(t, err)
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPermanent(ErrNotFound))
	assert.True(t, IsPermanent(ErrPermission))
	assert.False(t, IsPermanent(errors.New("connection reset")))
}

func TestMD5Helpers(t *testing.T) {
	t.Parallel()

	sum := []byte{0x90, 0x01, 0x50, 0x98, 0x3c, 0xd2, 0x4f, 0xb0, 0xd6, 0x96, 0x3f, 0x7d, 0x28, 0xe1, 0x7f, 0x72}
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", md5Hex(sum))
	assert.Empty(t, md5Hex(nil))

	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", etagMD5(`"900150983CD24FB0D6963F7D28E17F72"`))
	assert.Empty(t, etagMD5(`"d41d8cd98f00b204e9800998ecf8427e-3"`))
}
