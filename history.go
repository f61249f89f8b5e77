package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vidbridge/internal/store"
)

type historyJSON struct {
	Fingerprint    string    `json:"fingerprint"`
	SinkID         string    `json:"sink_id"`
	SinkURL        string    `json:"sink_url,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	FileName       string    `json:"file_name"`
	SourceRef      string    `json:"source_ref"`
	UploadedAt     time.Time `json:"uploaded_at"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitzero"`
}

func newHistoryCmd() *cobra.Command {
	var (
		owner string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List files already delivered for an owner",
		Long: `List the upload history used for duplicate detection, newest first. A file
with the same fingerprint is skipped while its video still exists.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, cc *CLIContext, st *store.Store) error {
				recs, err := st.ListHistory(ctx, owner, limit)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					out := make([]historyJSON, len(recs))
					for i, r := range recs {
						out[i] = historyJSON{
							Fingerprint:    r.Fingerprint,
							SinkID:         r.SinkID,
							SinkURL:        r.SinkURL,
							JobID:          r.JobID,
							FileName:       r.FileName,
							SourceRef:      r.SourceRef,
							UploadedAt:     r.UploadedAt,
							LastVerifiedAt: r.LastVerifiedAt,
						}
					}

					return printJSON(os.Stdout, out)
				}

				if len(recs) == 0 {
					cc.Statusf("No uploads recorded for %s.\n", owner)
					return nil
				}

				rows := make([][]string, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, []string{
						r.SinkID,
						truncate(r.FileName, titleColumnWidth),
						r.Fingerprint,
						formatTime(r.UploadedAt),
						formatTime(r.LastVerifiedAt),
					})
				}

				printTable(os.Stdout, []string{"VIDEO", "FILE", "FINGERPRINT", "UPLOADED", "VERIFIED"}, rows)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner whose history to list (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to list") //nolint:mnd // display default

	if err := cmd.MarkFlagRequired("owner"); err != nil {
		panic(err)
	}

	return cmd
}
