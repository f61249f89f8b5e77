package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFile_Lifecycle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", "nested", pidFileName)

	release, err := writePIDFile(path)
	require.NoError(t, err)

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// A second worker pointed at the same file is refused.
	again, err := writePIDFile(path)
	require.Error(t, err)
	assert.Nil(t, again)
	assert.Contains(t, err.Error(), "another worker holds")

	release()

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Released, the file can be taken again.
	release, err = writePIDFile(path)
	require.NoError(t, err)
	release()
}

func TestWritePIDFile_OverwritesStaleContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), pidFileName)
	require.NoError(t, os.WriteFile(path, []byte("999999999 leftover from a crash\n"), 0o600))

	release, err := writePIDFile(path)
	require.NoError(t, err)
	defer release()

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr string
	}{
		{"valid", "12345\n", 12345, ""},
		{"surrounding space", "  42 \n", 42, ""},
		{"garbage", "not-a-pid\n", 0, "invalid PID"},
		{"empty", "", 0, "invalid PID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), pidFileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			pid, err := readPIDFile(path)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestSendSIGHUP_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := sendSIGHUP(filepath.Join(dir, "missing.pid"))
	assert.ErrorContains(t, err, "no running worker")

	stale := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(stale, []byte("999999999\n"), 0o600))

	_, err = sendSIGHUP(stale)
	assert.ErrorContains(t, err, "not running")

	_, statErr := os.Stat(stale)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "stale PID file is removed")
}

func TestSendSIGHUP_ReachesWorker(t *testing.T) {
	t.Parallel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), pidFileName)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))

	pid, err := sendSIGHUP(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, syscall.SIGHUP, <-sigCh)
}
