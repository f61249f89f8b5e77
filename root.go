package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/vidbridge/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a valid config.
const skipConfigAnnotation = "skipConfig"

// httpClientTimeout bounds short API calls made directly by CLI commands.
// Transfers use the connect/data timeouts from [network] instead.
const httpClientTimeout = 30 * time.Second

// CLIFlags are the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries what PersistentPreRunE resolved to the running command.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger

	// overrides are the flag overrides the config was resolved with, kept so
	// a reload applies them again.
	overrides config.CLIOverrides

	// logCloser closes a log_file opened by buildLogger.
	logCloser io.Closer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. It
// panics when called outside a command, which is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "vidbridge",
		Short:   "Video transfer queue",
		Long:    "Queue video files stored in cloud storage and publish them through a rate-limited video API.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := &CLIContext{Flags: flags}

			if cmd.Annotations[skipConfigAnnotation] == "" {
				if err := loadConfig(cmd, cc); err != nil {
					return err
				}
			}

			logger, closer, err := buildLogger(cc.Cfg, cc.Flags)
			if err != nil {
				return err
			}

			cc.Logger = logger
			cc.logCloser = closer

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.logCloser != nil {
				return cc.logCloser.Close()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().String("database", "", "job database path (overrides queue.database)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newEnqueueBulkCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newQuotaCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain:
// defaults, config file, environment, then flags that were explicitly set.
func loadConfig(cmd *cobra.Command, cc *CLIContext) error {
	cli := config.CLIOverrides{ConfigPath: cc.Flags.ConfigPath}

	if f := cmd.Flags().Lookup("database"); f != nil && f.Changed {
		v := f.Value.String()
		cli.Database = &v
	}

	if f := cmd.Flags().Lookup("worker-id"); f != nil && f.Changed {
		v := f.Value.String()
		cli.WorkerID = &v
	}

	if cmd.Flags().Changed("max-concurrent") {
		n, err := cmd.Flags().GetInt("max-concurrent")
		if err != nil {
			return err
		}

		cli.MaxConcurrentUploads = &n
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = cfg
	cc.CfgPath = path
	cc.overrides = cli

	return nil
}

// buildLogger creates the logger from [logging] and the CLI flags. The
// config level is the baseline; --verbose and --quiet override it. With
// log_format "auto" a terminal gets text and anything else gets JSON.
func buildLogger(cfg *config.Config, flags CLIFlags) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	format := "auto"
	logFile := ""

	if cfg != nil {
		switch strings.ToLower(cfg.Logging.LogLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = strings.ToLower(cfg.Logging.LogFormat)
		logFile = cfg.Logging.LogFile
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
		tty    = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:mnd // owner-only log
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out, closer, tty = f, f, false
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !tty) {
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	}

	return slog.New(slog.NewTextHandler(out, opts)), closer, nil
}

// newHTTPClient returns the base client for API and transfer traffic. The
// overall request timeout stays unset because transfers run for hours; the
// phase timeouts in the pipeline bound them instead.
func newHTTPClient(cfg *config.Config) *http.Client {
	dialer := &net.Dialer{Timeout: config.Duration(cfg.Network.ConnectTimeout)}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = config.Duration(cfg.Network.DataTimeout)

	return &http.Client{Transport: transport}
}

// newShortHTTPClient is for single request-response commands.
func newShortHTTPClient(cfg *config.Config) *http.Client {
	c := newHTTPClient(cfg)
	c.Timeout = httpClientTimeout

	return c
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
