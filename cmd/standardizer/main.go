package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ProductStandardizer/internal/app"
	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "standardizer",
		Short:         "Standardizes product attributes against a group taxonomy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(workerCmd(), reclaimCmd(), resetCmd(), statsCmd())
	return root
}

func newApp(ctx context.Context) (*app.Application, error) {
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)
	return app.New(ctx, cfg, logger)
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the continuous standardization loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Run(ctx)
		},
	}
}

func reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Reset products stuck in processing past the timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			reclaimed, err := application.ReclaimOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d stuck products\n", len(reclaimed))
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "reset [id ...]",
		Short: "Return products to pending, clearing attempts and errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			if failedOnly {
				count, err := application.ResetFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("reset %d failed products\n", count)
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("pass product ids or --failed")
			}
			if err := application.Reset(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Printf("reset %d products\n", len(args))
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "reset every failed product")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show product counts per standardization status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			counts, err := application.StatusCounts(cmd.Context())
			if err != nil {
				return err
			}
			for _, status := range []domain.Status{
				domain.StatusPending, domain.StatusProcessing,
				domain.StatusStandardized, domain.StatusFailed,
			} {
				fmt.Printf("%-14s %d\n", status, counts[status])
			}

			backlogs, err := application.PendingBacklog(cmd.Context())
			if err != nil {
				return err
			}
			if len(backlogs) > 0 {
				fmt.Println("\npending by group:")
				for _, backlog := range backlogs {
					fmt.Printf("%-14s %d (oldest %s)\n",
						backlog.GroupCode, backlog.Count, backlog.Oldest.Format("2006-01-02 15:04"))
				}
			}
			return nil
		},
	}
}
