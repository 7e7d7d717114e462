package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/daemon"
	"github.com/alexjbarnes/ledger-sync/internal/logging"
	"github.com/alexjbarnes/ledger-sync/internal/trigger"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the ledger-sync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "ledger-sync",
		Short:         "Offline-first sync engine for the ledger service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}

			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newOnceCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newTriggerCommand())
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))

	return cmd
}

// openDaemon loads config and opens the engine for a one-shot command.
// One-shot commands log warnings only unless verbose.
func openDaemon(opts *RootOptions) (*config.Config, *daemon.Daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	level := "warn"
	if opts.Verbose {
		level = "debug"
	}

	logger := logging.New(logging.Options{Environment: cfg.Environment, Level: level, File: cfg.LogFile})

	d, err := daemon.Open(cfg, Version, logger)
	if err != nil {
		return nil, nil, err
	}

	return cfg, d, nil
}

func writeOutput(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	}

	text(w)

	return nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.Open(cfg, Version, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil {
		return err
	}

	logger.Info("ledger-sync stopped", slog.Int("pending", d.Queue.Count()))

	return nil
}

type onceResult struct {
	OK      bool   `json:"ok"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

func newOnceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single push and pull cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, d, err := openDaemon(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			ok, err := d.SyncOnce(cmd.Context())

			res := onceResult{OK: ok && err == nil, Pending: d.Queue.Count()}
			if err != nil {
				res.Error = err.Error()
			} else if msg := d.Tracker.Snapshot().ErrorMessage; !ok && msg != "" {
				res.Error = msg
			}

			if werr := writeOutput(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				if res.OK {
					fmt.Fprintf(w, "sync complete, %d pending\n", res.Pending)
					return
				}

				fmt.Fprintf(w, "sync incomplete, %d pending: %s\n", res.Pending, res.Error)
			}); werr != nil {
				return werr
			}

			if !res.OK {
				return errors.New("sync did not complete")
			}

			return nil
		},
	}
}

type statusReport struct {
	SignedIn     bool           `json:"signed_in"`
	Email        string         `json:"email,omitempty"`
	DeviceID     string         `json:"device_id"`
	Pending      int            `json:"pending"`
	Exhausted    int            `json:"exhausted"`
	Cursor       string         `json:"cursor,omitempty"`
	FailedDeltas int            `json:"failed_deltas"`
	Conflicts    int            `json:"conflicts"`
	Entities     map[string]int `json:"entities"`
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, d, err := openDaemon(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			report, err := collectStatus(d, cfg.MaxRetries)
			if err != nil {
				return err
			}

			return writeOutput(cmd.OutOrStdout(), opts, report, func(w io.Writer) {
				signedIn := "no"
				if report.SignedIn {
					signedIn = "yes"
					if report.Email != "" {
						signedIn += " (" + report.Email + ")"
					}
				}

				fmt.Fprintf(w, "signed in:     %s\n", signedIn)
				fmt.Fprintf(w, "device:        %s\n", report.DeviceID)
				fmt.Fprintf(w, "pending:       %d (%d exhausted)\n", report.Pending, report.Exhausted)
				fmt.Fprintf(w, "cursor:        %s\n", report.Cursor)
				fmt.Fprintf(w, "failed deltas: %d\n", report.FailedDeltas)
				fmt.Fprintf(w, "conflicts:     %d\n", report.Conflicts)

				types := make([]string, 0, len(report.Entities))
				for t := range report.Entities {
					types = append(types, t)
				}

				sort.Strings(types)

				for _, t := range types {
					fmt.Fprintf(w, "  %-12s %d\n", t, report.Entities[t])
				}
			})
		},
	}
}

func collectStatus(d *daemon.Daemon, maxRetries int) (*statusReport, error) {
	report := &statusReport{Entities: map[string]int{}}

	creds, err := d.State.Credentials()
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	if creds != nil {
		report.SignedIn = creds.AccessToken != "" || creds.RefreshToken != ""
		report.Email = creds.Email
	}

	if report.DeviceID, err = d.State.DeviceID(); err != nil {
		return nil, fmt.Errorf("reading device id: %w", err)
	}

	pending, err := d.Queue.List()
	if err != nil {
		return nil, err
	}

	report.Pending = len(pending)

	for _, m := range pending {
		if m.RetryCount >= maxRetries {
			report.Exhausted++
		}
	}

	report.Cursor = d.State.Cursor()

	failed, err := d.State.FailedDeltas()
	if err != nil {
		return nil, err
	}

	report.FailedDeltas = len(failed)

	conflicts, err := d.Store.Conflicts()
	if err != nil {
		return nil, err
	}

	report.Conflicts = len(conflicts)

	types, err := d.Store.Types()
	if err != nil {
		return nil, err
	}

	for _, t := range types {
		entities, err := d.Store.List(t)
		if err != nil {
			return nil, err
		}

		report.Entities[t] = len(entities)
	}

	return report, nil
}

func newResetCommand(opts *RootOptions) *cobra.Command {
	var retriesOnly bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard queued mutations and the pull cursor",
		Long: `Discard every queued mutation, the pull cursor and dead-lettered deltas.
The next sync pulls the full server history.

With --retries, only the retry counters of exhausted mutations are
cleared so they are pushed again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, d, err := openDaemon(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			if retriesOnly {
				n, err := d.Queue.ResetAll(cfg.MaxRetries)
				if err != nil {
					return err
				}

				return writeOutput(cmd.OutOrStdout(), opts, map[string]int{"reset": n}, func(w io.Writer) {
					fmt.Fprintf(w, "reset %d mutation(s)\n", n)
				})
			}

			if err := d.Coordinator.Reset(); err != nil {
				return err
			}

			return writeOutput(cmd.OutOrStdout(), opts, map[string]bool{"reset": true}, func(w io.Writer) {
				fmt.Fprintln(w, "sync state reset")
			})
		},
	}

	cmd.Flags().BoolVar(&retriesOnly, "retries", false, "only reset retry counters of exhausted mutations")

	return cmd
}

func newTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running daemon to sync now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := trigger.Touch(filepath.Dir(cfg.StatePath)); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "sync requested")

			return nil
		},
	}
}

func newLoginCommand(opts *RootOptions) *cobra.Command {
	var access, refresh string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access and refresh token",
		Long: `Store an access and refresh token for the daemon to use.

Tokens not given as flags are read from ACCESS_TOKEN and REFRESH_TOKEN,
then prompted for on stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, d, err := openDaemon(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			if access == "" {
				access = cfg.AccessToken
			}

			if refresh == "" {
				refresh = cfg.RefreshToken
			}

			if access == "" && refresh == "" {
				in := bufio.NewScanner(cmd.InOrStdin())

				fmt.Fprint(cmd.ErrOrStderr(), "Access token: ")
				if in.Scan() {
					access = strings.TrimSpace(in.Text())
				}

				fmt.Fprint(cmd.ErrOrStderr(), "Refresh token: ")
				if in.Scan() {
					refresh = strings.TrimSpace(in.Text())
				}
			}

			if access == "" && refresh == "" {
				return errors.New("no tokens given")
			}

			if err := d.Provider.Login(access, refresh); err != nil {
				return fmt.Errorf("storing credentials: %w", err)
			}

			if _, err := d.Provider.GetValidCredential(cmd.Context()); err != nil {
				return fmt.Errorf("validating credentials: %w", err)
			}

			return writeOutput(cmd.OutOrStdout(), opts, map[string]bool{"signed_in": true}, func(w io.Writer) {
				fmt.Fprintln(w, "signed in")
			})
		},
	}

	cmd.Flags().StringVar(&access, "access-token", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token")

	return cmd
}

func newLogoutCommand(opts *RootOptions) *cobra.Command {
	var keepData bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials and reset sync state",
		Long: `Remove stored credentials. Queued mutations, the pull cursor and
dead-lettered deltas are discarded too unless --keep-data is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, d, err := openDaemon(opts)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Provider.Logout(); err != nil {
				return err
			}

			if !keepData {
				if err := d.Coordinator.Reset(); err != nil {
					return err
				}
			}

			return writeOutput(cmd.OutOrStdout(), opts, map[string]bool{"signed_in": false}, func(w io.Writer) {
				fmt.Fprintln(w, "signed out")
			})
		},
	}

	cmd.Flags().BoolVar(&keepData, "keep-data", false, "keep queued mutations and the pull cursor")

	return cmd
}
