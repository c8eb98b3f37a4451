// Package cli implements the trustcase admin and cron commands.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trustcase-svc/internal/bootstrap"
	"trustcase-svc/internal/config"
	"trustcase-svc/internal/trust"
)

// cliPrincipal is the audit identity of operator commands.
var cliPrincipal = trust.SystemPrincipal("cli")

type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCommand returns the trustcase command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "trustcase",
		Short: "Trust case administration",
		Long: `trustcase manages the trust case store: schema setup, case binding,
credentials, upgrade tokens, lifecycle transitions and the dormancy sweep.

Configuration comes from --config (YAML) and TRUST_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		initDBCmd(opts),
		openCaseCmd(opts),
		statusCmd(opts),
		auditCmd(opts),
		mintTokenCmd(opts),
		issueUpgradeTokenCmd(opts),
		revokeUpgradeTokenCmd(opts),
		wakeCmd(opts),
		closeCmd(opts),
		sweepDormantCmd(opts),
		registerPushCmd(opts),
		bindLineCmd(opts),
		notifyTargetCmd(opts),
	)
	return root
}

// Execute runs the command tree with args and reports errors on stderr.
func Execute(args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return err
	}
	return nil
}

// withApp loads configuration, wires the application and runs fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if opts.verbose {
		level = "debug"
	}
	app, err := bootstrap.New(cfg, bootstrap.NewLogger(level, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, app)
}
