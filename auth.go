package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/tokenfile"
)

// Token metadata keys written on import.
const (
	metaChannelID    = "channel_id"
	metaChannelTitle = "channel_title"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage owner OAuth tokens",
		Long: `Manage the OAuth tokens the worker uses for each owner. Tokens are obtained
outside vidbridge (for example by the web front end) and imported here.`,
	}

	cmd.AddCommand(newTokenImportCmd(), newTokenListCmd(), newTokenRevokeCmd())

	return cmd
}

// decodeToken accepts either a bare OAuth2 token or a token file with
// metadata.
func decodeToken(r io.Reader) (*oauth2.Token, map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading token: %w", err)
	}

	var tf tokenfile.File
	if err := json.Unmarshal(data, &tf); err == nil && tf.Token != nil {
		return tf.Token, tf.Meta, nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, nil, fmt.Errorf("decoding token: %w", err)
	}

	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, nil, fmt.Errorf("decoding token: no access_token or refresh_token")
	}

	return &tok, nil, nil
}

func newTokenImportCmd() *cobra.Command {
	var (
		owner    string
		noVerify bool
	)

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import an owner's OAuth token",
		Long: `Import an OAuth token for an owner from file, or stdin when file is omitted
or "-". The JSON may be a bare token (access_token, refresh_token, expiry)
or a token file with "token" and "meta" keys.

The token is verified by reading the owner's channel, which costs one
quota unit. A token that fails verification is not kept.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			in := io.Reader(os.Stdin)

			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening token: %w", err)
				}
				defer f.Close()

				in = f
			}

			tok, meta, err := decodeToken(in)
			if err != nil {
				return err
			}

			provider := newCredentialProvider(cc.Cfg, cc.Logger)

			if err := provider.Import(owner, tok, meta); err != nil {
				return fmt.Errorf("importing token for %s: %w", owner, err)
			}

			if noVerify {
				cc.Statusf("Imported token for %s (not verified).\n", owner)
				return nil
			}

			ch, err := verifyToken(ctx, cc, provider, owner)
			if err != nil {
				if rerr := provider.Revoke(owner); rerr != nil {
					cc.Logger.Warn("removing unverified token failed", slog.String("error", rerr.Error()))
				}

				return fmt.Errorf("verifying token for %s: %w", owner, err)
			}

			if meta == nil {
				meta = map[string]string{}
			}

			meta[metaChannelID] = ch.ID
			meta[metaChannelTitle] = ch.Title

			if err := provider.Import(owner, tok, meta); err != nil {
				return fmt.Errorf("saving token metadata for %s: %w", owner, err)
			}

			cc.Statusf("Imported token for %s (channel %q).\n", owner, ch.Title)

			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner the token belongs to (required)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the channel lookup")

	if err := cmd.MarkFlagRequired("owner"); err != nil {
		panic(err)
	}

	return cmd
}

// verifyToken reads the owner's channel and charges the call to the quota.
func verifyToken(ctx context.Context, cc *CLIContext, provider *credentials.FileProvider, owner string) (*sink.Channel, error) {
	creds, err := provider.CredentialsForOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	client := sink.NewClient(sinkEndpoints(cc.Cfg), newShortHTTPClient(cc.Cfg), creds, cc.Logger, cc.Cfg.Network.UserAgent)
	ch, err := client.Me(ctx)

	st, serr := openStore(ctx, cc.Cfg, cc.Logger)
	if serr != nil {
		cc.Logger.Warn("recording verification usage failed", slog.String("error", serr.Error()))
		return ch, err
	}
	defer st.Close()

	tracker, terr := newQuotaTracker(st, cc.Cfg, cc.Logger)
	if terr == nil {
		terr = tracker.RecordUsage(ctx, owner, quota.OpChannelsList, quota.Cost(quota.OpChannelsList))
	}

	if terr != nil {
		cc.Logger.Warn("recording verification usage failed", slog.String("error", terr.Error()))
	}

	return ch, err
}

type tokenJSON struct {
	Owner        string `json:"owner"`
	ChannelID    string `json:"channel_id,omitempty"`
	ChannelTitle string `json:"channel_title,omitempty"`
}

func newTokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List owners with imported tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			owners, err := newCredentialProvider(cc.Cfg, cc.Logger).Owners()
			if err != nil {
				return err
			}

			out := make([]tokenJSON, 0, len(owners))

			for _, o := range owners {
				row := tokenJSON{Owner: o}

				if path, perr := tokenfile.Path(cc.Cfg.Auth.TokenDir, o); perr == nil {
					if _, meta, lerr := tokenfile.Load(path); lerr == nil {
						row.ChannelID = meta[metaChannelID]
						row.ChannelTitle = meta[metaChannelTitle]
					}
				}

				out = append(out, row)
			}

			if cc.Flags.JSON {
				return printJSON(os.Stdout, out)
			}

			if len(out) == 0 {
				cc.Statusf("No tokens imported. Run 'vidbridge token import --owner <id>'.\n")
				return nil
			}

			rows := make([][]string, 0, len(out))
			for _, r := range out {
				rows = append(rows, []string{r.Owner, r.ChannelID, r.ChannelTitle})
			}

			printTable(os.Stdout, []string{"OWNER", "CHANNEL", "TITLE"}, rows)

			return nil
		},
	}
}

func newTokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <owner>",
		Short: "Remove an owner's token",
		Long: `Remove an owner's token file. Queued jobs for the owner fail with an
authentication error until a new token is imported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := newCredentialProvider(cc.Cfg, cc.Logger).Revoke(args[0]); err != nil {
				return fmt.Errorf("revoking token for %s: %w", args[0], err)
			}

			cc.Statusf("Removed token for %s.\n", args[0])

			return nil
		},
	}
}
