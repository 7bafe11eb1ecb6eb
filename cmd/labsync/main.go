package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evcscavalcante/labsync/internal/httpapi"
	"github.com/evcscavalcante/labsync/internal/labsync"
	"github.com/evcscavalcante/labsync/internal/session"
)

const defaultConfigPath = "labsync.yaml"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	User       string

	cfg    Config
	logger zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "labsync:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "labsync",
		Short: "Offline-first sync engine for lab records",
		Long: `labsync keeps lab records in a local durable cache and propagates every change
to the relational and document stores, retrying in the background until both
acknowledge it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.LogLevel, opts.LogFormat)
			if err != nil {
				return err
			}
			log.Logger = logger
			opts.logger = logger

			explicit := cmd.Flags().Changed("config") || os.Getenv("LABSYNC_CONFIG") != ""
			cfg, err := loadConfig(opts.ConfigPath, explicit)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", envOrDefault("LABSYNC_CONFIG", defaultConfigPath), "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOrDefault("LABSYNC_LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", envOrDefault("LABSYNC_LOG_FORMAT", "console"), "log format (json|console)")
	cmd.PersistentFlags().StringVar(&opts.User, "user", strings.TrimSpace(os.Getenv("LABSYNC_USER")), "bind this user instead of reading the session file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSubmitCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newTokenCommand())

	return cmd
}

// withApp opens the engine for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts.cfg, opts.User, opts.logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Reconcile in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.run(ctx)
			})
		},
	}
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "submit <create|update|delete> [id]",
		Short: "Save a record locally and propagate it",
		Example: `  labsync submit create --payload '{"name":"Balança","capacity":220}'
  labsync submit update eq-1 --payload-file record.json
  labsync submit delete eq-1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record := labsync.Record{}
			if len(args) == 2 {
				record.ID = args[1]
			}
			body, err := readPayload(cmd.InOrStdin(), payload, payloadFile)
			if err != nil {
				return err
			}
			if body != nil {
				if err := json.Unmarshal(body, &record.Payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				outcome, err := a.engine.Submit(ctx, labsync.Action(strings.ToLower(args[0])), record)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), outcome)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "record payload as a JSON object")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file, or - for stdin")
	return cmd
}

func readPayload(stdin io.Reader, inline, path string) ([]byte, error) {
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("use either --payload or --payload-file")
	case inline != "":
		return []byte(inline), nil
	case path == "-":
		return io.ReadAll(stdin)
	case path != "":
		return os.ReadFile(path)
	}
	return nil, nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List merged records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				records, err := a.engine.LoadAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show the freshest copy of one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				record, err := a.engine.LoadByID(ctx, args[0])
				if err != nil {
					return err
				}
				if record == nil {
					return fmt.Errorf("record %s: %w", args[0], labsync.ErrNotFound)
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, identity and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				status, err := a.engine.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and replay operations that ran out of attempts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				items, err := a.engine.DeadLetters(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <operation-id>",
		Short: "Put a dead letter back in the operation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				op, err := a.engine.RequeueDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), op)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.engine.DiscardDeadLetter(ctx, args[0])
			})
		},
	})
	return cmd
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Write the session file for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := session.Session{UserID: strings.TrimSpace(args[0])}
			if s.UserID == "" {
				return fmt.Errorf("user id is required")
			}
			if ttl > 0 {
				s.ExpiresAt = time.Now().UTC().Add(ttl)
			}
			return session.WriteSession(opts.cfg.SessionFile, s)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "session lifetime, 0 for no expiry")
	return cmd
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the session file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return session.ClearSession(opts.cfg.SessionFile)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var secret, subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for labsync-server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := httpapi.IssueToken(secret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOrDefault("LABSYNC_JWT_SECRET", "dev-secret"), "HS256 signing secret")
	cmd.Flags().StringVar(&subject, "subject", "labsync-client", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"records:read", "records:write"}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
