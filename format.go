package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tonimelisma/vidbridge/internal/store"
	"github.com/tonimelisma/vidbridge/internal/worker"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 GB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact local timestamp, or "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	t = t.Local()

	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// truncate shortens s to n runes, marking the cut with "…".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-1]) + "…"
}

// printTable writes aligned columns to w. headers and each row must have
// the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len([]rune(cell)))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = cell + strings.Repeat(" ", widths[i]-len([]rune(cell)))
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// jobJSON is the --json shape of a job.
type jobJSON struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	BatchID      string    `json:"batch_id,omitempty"`
	FileID       string    `json:"file_id"`
	FileName     string    `json:"file_name"`
	Size         int64     `json:"size"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Title        string    `json:"title"`
	Privacy      string    `json:"privacy"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	Message      string    `json:"message,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	WorkerID     string    `json:"worker_id,omitempty"`
	SinkID       string    `json:"sink_id,omitempty"`
	SinkURL      string    `json:"sink_url,omitempty"`
	AvailableAt  time.Time `json:"available_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

func toJobJSON(j *store.Job) jobJSON {
	return jobJSON{
		ID:           j.ID,
		OwnerID:      j.OwnerID,
		BatchID:      j.BatchID,
		FileID:       j.Source.FileID,
		FileName:     j.Source.FileName,
		Size:         j.Source.Size,
		Fingerprint:  j.Source.Fingerprint,
		Title:        j.Sink.Title,
		Privacy:      j.Sink.Privacy,
		Status:       string(j.Status),
		Progress:     j.Progress,
		Message:      j.Message,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		WorkerID:     j.WorkerID,
		SinkID:       j.SinkID,
		SinkURL:      j.SinkURL,
		AvailableAt:  j.AvailableAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

const titleColumnWidth = 40

// printJobTable lists jobs one per line.
func printJobTable(w io.Writer, jobs []*store.Job) {
	rows := make([][]string, 0, len(jobs))

	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.OwnerID,
			string(j.Status),
			fmt.Sprintf("%5.1f%%", j.Progress),
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			formatSize(j.Source.Size),
			truncate(j.Sink.Title, titleColumnWidth),
			formatTime(j.UpdatedAt),
		})
	}

	printTable(w, []string{"ID", "OWNER", "STATUS", "PROGRESS", "RETRIES", "SIZE", "TITLE", "UPDATED"}, rows)
}

// printJobDetail shows every field of one job.
func printJobDetail(w io.Writer, j *store.Job) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-14s %s\n", name+":", value)
		}
	}

	field("ID", j.ID)
	field("Owner", j.OwnerID)
	field("Batch", j.BatchID)
	field("Status", string(j.Status))
	field("Progress", fmt.Sprintf("%.1f%%", j.Progress))
	field("Message", j.Message)
	field("Error", j.ErrorMessage)
	field("Retries", fmt.Sprintf("%d of %d", j.RetryCount, j.MaxRetries))
	field("Source", j.Source.FileID)
	field("File", j.Source.FileName)
	field("Folder", j.Source.FolderPath)
	field("Size", formatSize(j.Source.Size))
	field("Fingerprint", j.Source.Fingerprint)
	field("Title", j.Sink.Title)
	field("Privacy", j.Sink.Privacy)
	field("Category", j.Sink.CategoryID)
	field("Tags", strings.Join(j.Sink.Tags, ", "))
	field("Worker", j.WorkerID)
	field("Video", j.SinkID)
	field("URL", j.SinkURL)
	field("Created", formatTime(j.CreatedAt))
	field("Next attempt", formatTime(j.AvailableAt))
	field("Started", formatTime(j.StartedAt))
	field("Finished", formatTime(j.CompletedAt))
}

func printBatchStats(w io.Writer, s *worker.BatchStats) {
	fmt.Fprintf(w, "Processed %d job(s): %d completed, %d duplicate, %d requeued, %d deferred, %d failed, %d cancelled\n",
		s.Processed, s.Completed, s.Duplicates, s.Requeued, s.Deferred, s.Failed, s.Cancelled)

	if s.Interrupted > 0 {
		fmt.Fprintf(w, "%d job(s) interrupted and returned to the queue\n", s.Interrupted)
	}

	if s.StoppedForQuota {
		fmt.Fprintln(w, "Stopped early: API quota exhausted for the current window")
	}
}
