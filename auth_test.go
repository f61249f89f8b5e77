package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeToken_Bare(t *testing.T) {
	tok, meta, err := decodeToken(strings.NewReader(
		`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expiry":"2030-01-02T03:04:05Z"}`))
	require.NoError(t, err)

	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, 2030, tok.Expiry.Year())
	assert.Nil(t, meta)
}

func TestDecodeToken_TokenFile(t *testing.T) {
	tok, meta, err := decodeToken(strings.NewReader(
		`{"token":{"access_token":"at","refresh_token":"rt"},"meta":{"channel_id":"UC1"}}`))
	require.NoError(t, err)

	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, "UC1", meta[metaChannelID])
}

func TestDecodeToken_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `access_token=at`},
		{"no tokens", `{"token_type":"Bearer"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeToken(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestTokenCmds_ImportListRevoke(t *testing.T) {
	e := newCLIEnv(t)

	input := filepath.Join(e.dir, "tok.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"access_token":"at","refresh_token":"rt"}`), 0o600))

	require.NoError(t, e.run(t, "token", "import", "--owner", "alice", "--no-verify", input))

	entries, err := os.ReadDir(e.tokens)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, e.run(t, "token", "list"))
	require.NoError(t, e.run(t, "token", "revoke", "alice"))

	entries, err = os.ReadDir(e.tokens)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTokenImport_InvalidOwner(t *testing.T) {
	e := newCLIEnv(t)

	input := filepath.Join(e.dir, "tok.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"access_token":"at"}`), 0o600))

	err := e.run(t, "token", "import", "--owner", "../escape", "--no-verify", input)
	assert.Error(t, err)
}
