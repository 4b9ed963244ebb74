package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "scriptd",
		Short:         "Script execution engine",
		Long:          "scriptd runs declarative automation scripts and exposes them over MCP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context()) },
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newReloadCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "scriptd: %v\n", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context()) },
	}
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <path>...",
		Short: "Validate script definition files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strict, _ := cmd.Flags().GetBool("strict")
			sum, err := runCheck(cmd.Context(), cmd.OutOrStdout(), args)
			if err != nil {
				return err
			}
			if sum.Errors > 0 || (strict && sum.Warnings > 0) {
				return fmt.Errorf("check failed: %d errors, %d warnings", sum.Errors, sum.Warnings)
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "treat warnings as errors")
	return cmd
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running server to reload its configuration",
		Args:  cobra.NoArgs,
		RunE:  func(*cobra.Command, []string) error { return signalRunningServer() },
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run:   func(*cobra.Command, []string) { printVersion() },
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the MCP stream; logs go to stderr.
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	if err := a.loadScripts(ctx); err != nil {
		_ = a.close(context.Background())
		return err
	}

	if removePid, err := writePidfile(); err != nil {
		a.logger.WarnContext(ctx, "write pidfile", slog.String("error", err.Error()))
	} else {
		defer removePid()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := loadConfig()
				if err != nil {
					a.logger.ErrorContext(ctx, "reload config", slog.String("error", err.Error()))
					continue
				}
				a.reload(ctx, next)
			}
		}
	}()

	a.logger.InfoContext(ctx, "scriptd started", slog.String("version", version), slog.String("db", cfg.DBPath))
	serveErr := a.server.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGrace)+5*time.Second)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		a.logger.ErrorContext(shutdownCtx, "shutdown", slog.String("error", err.Error()))
	}
	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}
