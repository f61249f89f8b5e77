package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vidbridge/internal/store"
)

// withStore opens the job store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, st *store.Store) error) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := openStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, cc, st)
}

func newEnqueueCmd() *cobra.Command {
	var (
		owner string
		src   store.SourceRef
		meta  store.SinkMeta
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one file for transfer",
		Long: `Queue a file for transfer to the publishing API.

The file is named by a scheme-qualified reference: drive://<file id>,
gs://<bucket>/<object>, or s3://<bucket>/<key>. A missing title or
description is rendered from sink.title_template and sink.description_template.`,
		Example: `  vidbridge enqueue --owner alice --file-id drive://1AbC --name talk.mp4 --size 734003200 \
    --fingerprint 9e107d9d372bb6826bd81d3542a419d6 --title "Conference talk" --privacy unlisted`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("notify") {
				meta.NotifySubscribers = mustCLIContext(cmd.Context()).Cfg.Sink.NotifySubscribers
			}

			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				job, err := st.Enqueue(ctx, owner, src, meta)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, toJobJSON(job))
				}

				fmt.Fprintln(os.Stdout, job.ID)
				cc.Statusf("Queued %s as %q (%s).\n", job.Source.FileName, job.Sink.Title, job.Sink.Privacy)

				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "owner whose credentials run the transfer (required)")
	f.StringVar(&src.FileID, "file-id", "", "scheme-qualified source reference (required)")
	f.StringVar(&src.FileName, "name", "", "file name (required)")
	f.Int64Var(&src.Size, "size", 0, "file size in bytes (required)")
	f.StringVar(&src.Fingerprint, "fingerprint", "", "content hash used for duplicate detection")
	f.StringVar(&src.MimeType, "mime-type", "", "video MIME type")
	f.StringVar(&src.FolderPath, "folder", "", "source folder path, used by the metadata templates")
	f.StringVar(&meta.Title, "title", "", "video title (default: sink.title_template)")
	f.StringVar(&meta.Description, "description", "", "video description (default: sink.description_template)")
	f.StringSliceVar(&meta.Tags, "tags", nil, "comma-separated tags")
	f.StringVar(&meta.Privacy, "privacy", "", "private, unlisted, or public (default sink.default_privacy)")
	f.StringVar(&meta.CategoryID, "category", "", "numeric category id (default sink.default_category)")
	f.BoolVar(&meta.MadeForKids, "made-for-kids", false, "mark the video as made for kids")
	f.BoolVar(&meta.NotifySubscribers, "notify", false, "notify subscribers (default sink.notify_subscribers)")

	for _, name := range []string{"owner", "file-id", "name", "size"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	return cmd
}

// bulkItem is one element of the enqueue-bulk JSON input.
type bulkItem struct {
	FileID            string   `json:"file_id"`
	FileName          string   `json:"file_name"`
	Size              int64    `json:"size"`
	Fingerprint       string   `json:"fingerprint"`
	MimeType          string   `json:"mime_type"`
	FolderPath        string   `json:"folder_path"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Tags              []string `json:"tags"`
	Privacy           string   `json:"privacy"`
	CategoryID        string   `json:"category_id"`
	MadeForKids       bool     `json:"made_for_kids"`
	NotifySubscribers *bool    `json:"notify_subscribers"`
}

type bulkResultJSON struct {
	Index int    `json:"index"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type bulkOutputJSON struct {
	BatchID string           `json:"batch_id"`
	Queued  int              `json:"queued"`
	Results []bulkResultJSON `json:"results"`
}

// readBulkItems decodes a JSON array of items.
func readBulkItems(r io.Reader, notifyDefault bool) ([]store.EnqueueRequest, error) {
	var items []bulkItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding bulk input: %w", err)
	}

	reqs := make([]store.EnqueueRequest, len(items))

	for i, it := range items {
		notify := notifyDefault
		if it.NotifySubscribers != nil {
			notify = *it.NotifySubscribers
		}

		reqs[i] = store.EnqueueRequest{
			Source: store.SourceRef{
				FileID:      it.FileID,
				FileName:    it.FileName,
				Size:        it.Size,
				Fingerprint: it.Fingerprint,
				MimeType:    it.MimeType,
				FolderPath:  it.FolderPath,
			},
			Sink: store.SinkMeta{
				Title:             it.Title,
				Description:       it.Description,
				Tags:              it.Tags,
				Privacy:           it.Privacy,
				CategoryID:        it.CategoryID,
				MadeForKids:       it.MadeForKids,
				NotifySubscribers: notify,
			},
		}
	}

	return reqs, nil
}

func newEnqueueBulkCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "enqueue-bulk [file]",
		Short: "Queue many files from a JSON array",
		Long: `Queue every item of a JSON array read from file, or stdin when file is
omitted or "-". All valid items share one batch id; invalid or duplicate
items are reported and skipped.

Item keys: file_id, file_name, size, fingerprint, mime_type, folder_path,
title, description, tags, privacy, category_id, made_for_kids,
notify_subscribers.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)

			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening bulk input: %w", err)
				}
				defer f.Close()

				in = f
			}

			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				reqs, err := readBulkItems(in, cc.Cfg.Sink.NotifySubscribers)
				if err != nil {
					return err
				}

				batchID, results, err := st.EnqueueBulk(ctx, owner, reqs)
				if err != nil {
					return err
				}

				out := bulkOutputJSON{BatchID: batchID, Results: make([]bulkResultJSON, 0, len(results))}

				for _, r := range results {
					row := bulkResultJSON{Index: r.Index}
					if r.Err != nil {
						row.Error = r.Err.Error()
					} else {
						row.JobID = r.Job.ID
						out.Queued++
					}

					out.Results = append(out.Results, row)
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, out)
				}

				for _, r := range out.Results {
					if r.Error != "" {
						fmt.Fprintf(os.Stdout, "%d\terror\t%s\n", r.Index, r.Error)
					} else {
						fmt.Fprintf(os.Stdout, "%d\tqueued\t%s\n", r.Index, r.JobID)
					}
				}

				cc.Statusf("Batch %s: queued %d of %d.\n", batchID, out.Queued, len(reqs))

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner for every item (required)")

	if err := cmd.MarkFlagRequired("owner"); err != nil {
		panic(err)
	}

	return cmd
}

func newJobsCmd() *cobra.Command {
	var (
		filter   store.ListFilter
		statuses []string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, s := range statuses {
				st, err := store.ParseStatus(s)
				if err != nil {
					return err
				}

				filter.Statuses = append(filter.Statuses, st)
			}

			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				var jobs []*store.Job

				for job, err := range st.List(ctx, filter) {
					if err != nil {
						return err
					}

					jobs = append(jobs, job)
				}

				if cc.Flags.JSON {
					out := make([]jobJSON, len(jobs))
					for i, j := range jobs {
						out[i] = toJobJSON(j)
					}

					return printJSON(os.Stdout, out)
				}

				if len(jobs) == 0 {
					cc.Statusf("No jobs.\n")
					return nil
				}

				printJobTable(os.Stdout, jobs)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.OwnerID, "owner", "", "only this owner's jobs")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (repeatable or comma-separated)")
	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "only jobs from this bulk enqueue")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum jobs to list (0 for all)") //nolint:mnd // display default

	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				job, err := st.Get(ctx, args[0])
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, toJobJSON(job))
				}

				printJobDetail(os.Stdout, job)

				return nil
			})
		},
	}
}

// jobActionCmd builds a command that applies one store operation to a job
// and prints the resulting job.
func jobActionCmd(use, short, done string, op func(ctx context.Context, st *store.Store, id string) (*store.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				job, err := op(ctx, st, args[0])
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, toJobJSON(job))
				}

				cc.Statusf("Job %s %s (status %s).\n", job.ID, done, job.Status)

				return nil
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	cmd := jobActionCmd("cancel", "Cancel a queued or running job", "cancelled",
		func(ctx context.Context, st *store.Store, id string) (*store.Job, error) {
			return st.Cancel(ctx, id)
		})
	cmd.Long = `Cancel a job that has not finished. A worker running the job notices on its
next heartbeat, stops the transfer, and removes its staging file.`

	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := jobActionCmd("retry", "Return a failed job to the queue", "requeued",
		func(ctx context.Context, st *store.Store, id string) (*store.Job, error) {
			return st.Retry(ctx, id)
		})
	cmd.Long = `Return a failed job to pending. Each manual retry consumes one of the job's
retries; a job with none left cannot be retried.`

	return cmd
}

func newDeleteCmd() *cobra.Command {
	var purgeHistory bool

	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Remove a job that no worker is running",
		Long: `Remove a job. Running jobs must be cancelled first. With --purge-history the
upload history written by this job is removed too, so the same content is
no longer treated as a duplicate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				err := st.Delete(ctx, args[0], purgeHistory)
				if errors.Is(err, store.ErrJobActive) {
					return fmt.Errorf("%w; cancel it first", err)
				}

				if err != nil {
					return err
				}

				cc.Statusf("Deleted job %s.\n", args[0])

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&purgeHistory, "purge-history", false, "also forget this job's upload history")

	return cmd
}

func newClearCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove completed, failed, and cancelled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				n, err := st.ClearTerminal(ctx, owner)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, map[string]int64{"removed": n})
				}

				cc.Statusf("Removed %d finished job(s).\n", n)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner's jobs")

	return cmd
}
