package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	appName        = "vidbridge"
	configFileName = "config.toml"

	goosLinux  = "linux"
	goosDarwin = "darwin"
)

// dirKind names one of the per-user base directories.
type dirKind int

const (
	kindConfig dirKind = iota
	kindData
	kindCache
)

// dirRule says where a kind lives: the XDG variable honored on Linux, the
// fallback under $HOME elsewhere, and the macOS location.
type dirRule struct {
	xdgVar   string
	fallback []string
	darwin   []string
}

var dirRules = map[dirKind]dirRule{
	kindConfig: {"XDG_CONFIG_HOME", []string{".config"}, []string{"Library", "Application Support"}},
	kindData:   {"XDG_DATA_HOME", []string{".local", "share"}, []string{"Library", "Application Support"}},
	kindCache:  {"XDG_CACHE_HOME", []string{".cache"}, []string{"Library", "Caches"}},
}

// resolveDir is the pure form of the Default*Dir functions.
func resolveDir(kind dirKind, goos, home string, getenv func(string) string) string {
	rule := dirRules[kind]

	if goos == goosDarwin {
		return filepath.Join(append(append([]string{home}, rule.darwin...), appName)...)
	}

	if goos == goosLinux {
		if base := getenv(rule.xdgVar); base != "" {
			return filepath.Join(base, appName)
		}
	}

	return filepath.Join(append(append([]string{home}, rule.fallback...), appName)...)
}

func userDir(kind dirKind) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return resolveDir(kind, runtime.GOOS, home, os.Getenv)
}

// DefaultConfigDir holds config.toml: $XDG_CONFIG_HOME/vidbridge on Linux,
// ~/Library/Application Support/vidbridge on macOS.
func DefaultConfigDir() string { return userDir(kindConfig) }

// DefaultDataDir holds the job database, upload sessions, tokens, and the
// worker PID file.
func DefaultDataDir() string { return userDir(kindData) }

// DefaultCacheDir holds staging files, which can be deleted at any time a
// worker is not running.
func DefaultCacheDir() string { return userDir(kindCache) }

// DefaultConfigPath is used when neither VIDBRIDGE_CONFIG nor --config is
// given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}
