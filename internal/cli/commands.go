package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trustcase-svc/internal/bootstrap"
	"trustcase-svc/internal/datastore"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

func initDBCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the trust case tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.InitSchema(ctx); err != nil {
					return fmt.Errorf("failed to initialize database: %w", err)
				}
				dsCfg, err := app.Config.DataStoreConfig()
				if err != nil {
					return err
				}
				var target string
				switch dsCfg.Type {
				case datastore.PostgreSQLStore:
					target = maskConnectionString(dsCfg.ConnectionString)
				case datastore.SQLiteStore:
					target = dsCfg.SQLitePath
				default:
					target = "in-memory"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Database initialized successfully (%s, %s).\n", dsCfg.Type, target)
				return nil
			})
		},
	}
}

func openCaseCmd(opts *rootOptions) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "open-case <case-id>",
		Short: "Create a case and bind its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				now := time.Now()
				if _, err := app.Store.GetOrInit(ctx, args[0], now); err != nil {
					return err
				}
				err := app.Store.BindAgent(ctx, args[0], agentID, now)
				if errors.Is(err, store.ErrAlreadyBound) {
					return fmt.Errorf("case %s is already bound to another agent", args[0])
				}
				if err != nil {
					return fmt.Errorf("failed to bind agent %s: %w", agentID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Case %s opened for agent %s.\n", args[0], agentID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent subject to bind (required)")
	return cmd
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <case-id>",
		Short: "Print a case document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				view, err := app.Engine.GetStatus(ctx, args[0], cliPrincipal)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func auditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <case-id>",
		Short: "Print the audit trail of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				entries, err := app.Audit.Trail(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Found %d audit entries for case %s.\n", len(entries), args[0])
				for _, e := range entries {
					fmt.Fprintf(out, "%s  %-20s  %-6s %s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.ActorRole, e.ActorID)
				}
				return nil
			})
		},
	}
}

func mintTokenCmd(opts *rootOptions) *cobra.Command {
	var role, caseID, subject string
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a signed session credential",
		Long: `Issue a signed credential for an agent or buyer. Agents need --subject.
Case-scoped buyer credentials without --subject are the anonymous links sent to buyers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := trust.ParseRole(role)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(_ context.Context, app *bootstrap.App) error {
				tok, err := app.Signer.Issue(trust.Principal{Role: r, CaseID: caseID, Subject: subject})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "buyer", "Role: agent or buyer")
	cmd.Flags().StringVar(&caseID, "case", "", "Case the credential is scoped to")
	cmd.Flags().StringVar(&subject, "subject", "", "Agent id or registered user id")
	return cmd
}

func issueUpgradeTokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-upgrade-token <case-id>",
		Short: "Mint a single-use upgrade token for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				lifetime := ttl
				if lifetime == 0 {
					lifetime = app.Config.Auth.UpgradeTokenTTL
				}
				tok, err := app.Upgrade.IssueToken(ctx, args[0], lifetime)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\texpires %s\n", tok.Token, tok.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.upgrade_token_ttl)")
	return cmd
}

func revokeUpgradeTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-upgrade-token <token>",
		Short: "Revoke an upgrade token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Upgrade.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Token revoked.")
				return nil
			})
		},
	}
}

func wakeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wake <case-id>",
		Short: "Reactivate a dormant case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				rec, err := app.Lifecycle.Wake(ctx, args[0], cliPrincipal)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Case %s is %s.\n", rec.CaseID, rec.Status)
				return nil
			})
		},
	}
}

func closeCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <case-id>",
		Short: "Close a case for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := trust.ParseCloseReason(reason)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				rec, err := app.Lifecycle.Close(ctx, args[0], r, cliPrincipal)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Case %s is %s (%s).\n", rec.CaseID, rec.Status, rec.CloseReason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "sold_to_other, delisted or inactive (required)")
	return cmd
}

func sweepDormantCmd(opts *rootOptions) *cobra.Command {
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   "sweep-dormant",
		Short: "Mark idle active cases dormant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				window := idle
				if window == 0 {
					window = app.Config.Lifecycle.DormantAfter
				}
				ids, err := app.Lifecycle.SweepDormant(ctx, window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d cases dormant.\n", len(ids))
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", 0, "Idle window (default lifecycle.dormant_after)")
	return cmd
}

func registerPushCmd(opts *rootOptions) *cobra.Command {
	var subscription, file string
	cmd := &cobra.Command{
		Use:   "register-push <user-id>",
		Short: "Store a web push subscription for a registered user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(subscription)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read subscription: %w", err)
				}
				raw = b
			}
			if len(raw) == 0 || !json.Valid(raw) {
				return fmt.Errorf("a JSON subscription is required (--subscription or --file)")
			}
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Store.SavePushSubscription(ctx, args[0], json.RawMessage(raw), time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Push subscription saved for %s.\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "Subscription JSON")
	cmd.Flags().StringVar(&file, "file", "", "File holding the subscription JSON")
	return cmd
}

func bindLineCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bind-line <user-id> <line-user-id>",
		Short: "Bind a LINE account to a registered user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Store.BindLineUser(ctx, args[0], args[1], time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "LINE account bound for %s.\n", args[0])
				return nil
			})
		},
	}
}

func notifyTargetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-target <case-id>",
		Short: "Show where notifications for a case would go",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *bootstrap.App) error {
				t, err := app.Resolver.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}
