package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tonimelisma/vidbridge/internal/config"
)

const (
	pidFileName        = "worker.pid"
	pidFilePermissions = 0o644
)

// defaultPIDPath is where 'vidbridge reload' looks for a running worker.
func defaultPIDPath() string {
	return filepath.Join(config.DefaultDataDir(), pidFileName)
}

// writePIDFile writes the current PID to path under an exclusive flock held
// for the life of the process. A held lock means another worker already
// owns this PID file.
func writePIDFile(path string) (cleanup func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another worker holds %s", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// sendSIGHUP signals the worker named by the PID file. A PID file left by
// a dead process is removed.
func sendSIGHUP(pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("no running worker found (no PID file at %s)", pidPath)
		}

		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return 0, fmt.Errorf("worker (PID %d) is not running, stale PID file removed", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to worker (PID %d): %w", pid, err)
	}

	return pid, nil
}

func newReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "reload",
		Short:       "Tell a running worker to re-read its config file",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			path, _ := cmd.Flags().GetString("pid-file")

			pid, err := sendSIGHUP(path)
			if err != nil {
				return err
			}

			cc.Statusf("Sent reload to worker (PID %d).\n", pid)

			return nil
		},
	}

	cmd.Flags().String("pid-file", defaultPIDPath(), "PID file written by 'vidbridge worker --pid-file'")

	return cmd
}
