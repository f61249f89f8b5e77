package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func sampleToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
		Expiry:       time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPath(t *testing.T) {
	p, err := Path("/tokens", "user-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tokens", "user-1@example.com.json"), p)

	for _, bad := range []string{"", "../etc/passwd", "a/b", ".hidden", "a..b"} {
		_, err := Path("/tokens", bad)
		assert.ErrorIs(t, err, ErrInvalidOwner, bad)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	tok, meta, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	assert.NoError(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u1.json")
	meta := map[string]string{"channel_id": "UC1", "channel_title": "Mine"}

	require.NoError(t, Save(path, sampleToken(), meta))

	tok, loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-123", tok.AccessToken)
	assert.Equal(t, "refresh-456", tok.RefreshToken)
	assert.True(t, tok.Expiry.Equal(sampleToken().Expiry))
	assert.Equal(t, meta, loaded)
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"old"}`), 0o600))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestLoad_EmptyCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":{"token_type":"Bearer"}}`), 0o600))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty credentials")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json}`), 0o600))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestSave_CreatesDirectoryWithPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "u1.json")

	require.NoError(t, Save(path, sampleToken(), nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_NilToken(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "u1.json"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to save nil token")
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u1.json")
	require.NoError(t, Save(path, sampleToken(), nil))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path), "removing twice is not an error")

	tok, _, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestOwners(t *testing.T) {
	dir := t.TempDir()

	owners, err := Owners(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, owners)

	for _, o := range []string{"bob", "alice"} {
		p, err := Path(dir, o)
		require.NoError(t, err)
		require.NoError(t, Save(p, sampleToken(), nil))
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	owners, err = Owners(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, owners)
}
