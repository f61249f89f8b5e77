package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSections maps each config section to its valid keys.
var knownSections = map[string][]string{
	"queue":  {"database", "max_retries", "reject_queued_duplicates"},
	"worker": {
		"worker_id", "poll_interval", "max_concurrent_uploads", "claim_timeout",
		"cancel_check_interval", "retry_backoff", "max_retry_backoff",
		"max_jobs_per_batch", "shutdown_timeout",
	},
	"quota": {"daily_budget", "timezone", "threshold", "per_owner", "defer_delay"},
	"transfers": {
		"staging_dir", "chunk_size", "max_file_size", "min_free_space", "bandwidth_limit",
		"download_timeout", "upload_timeout", "max_attempts", "retry_base",
		"verify_fingerprint", "session_max_age",
	},
	"dedup": {"verify_freshness"},
	"sink": {
		"api_endpoint", "upload_endpoint", "default_privacy", "default_category",
		"notify_subscribers",
	},
	"source": {
		"drive_endpoint", "gcs_credentials_file", "gcs_endpoint", "s3_region", "s3_endpoint",
		"s3_access_key_id", "s3_secret_access_key", "s3_path_style",
	},
	"auth":    {"client_id", "client_secret", "token_dir", "credential_cache_ttl"},
	"logging": {"log_level", "log_file", "log_format"},
	"network": {"connect_timeout", "data_timeout", "user_agent"},
	"metrics": {"listen_addr"},
}

// knownSectionList is the sorted list of section names. Sorted for
// deterministic suggestions when two candidates have the same edit distance.
var knownSectionList = func() []string {
	keys := make([]string, 0, len(knownSections))
	for k := range knownSections {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key, suggesting
// the closest known section or key.
func buildKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	keys, ok := knownSections[section]
	if !ok {
		if len(key) > 1 {
			// Reported once for the section table itself.
			return nil
		}

		if suggestion := closestMatch(section, knownSectionList); suggestion != "" {
			return fmt.Errorf("unknown config section %q; did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	if len(key) < 2 {
		return fmt.Errorf("config key %q must be a table", section)
	}

	field := key[1]

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	if suggestion := closestMatch(field, sorted); suggestion != "" {
		return fmt.Errorf("unknown key %q in [%s]; did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
