package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"RedDaySentinel/internal/config"
	"RedDaySentinel/internal/notifier"
	"RedDaySentinel/internal/scheduler"
	"RedDaySentinel/internal/tracker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "reddaysentinel",
	Short: "BTC red-day DCA trigger alerter",
	Long: `RedDaySentinel watches the BTC price and, when it falls far enough below
the previous daily close, emails a broker buy order and a personal action
alert. At most one trigger fires per UTC day and fifteen in total.`,
	SilenceUsage: true,
	RunE:         runWorker,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the long-lived polling worker (default)",
	RunE:  runWorker,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Fire the next trigger now at the current price",
	RunE:  runTrigger,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print trigger progress",
	RunE:  runStatus,
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the trigger state to first-run defaults",
	RunE:  runReset,
}

func init() {
	defaultPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultPath = v
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to the YAML config file")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset")

	rootCmd.AddCommand(runCmd, triggerCmd, statusCmd, resetCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.sched.FireManual(cmd.Context())
	if errors.Is(err, scheduler.ErrSkipped) {
		fmt.Fprintln(cmd.OutOrStdout(), err)
		return nil
	}
	if rec.Number > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Trigger #%d fired at $%.2f (%s)\n", rec.Number, rec.Price, rec.Category.Label())
	}
	if err != nil {
		return fmt.Errorf("manual trigger: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	state, err := tracker.LoadState(cfg.State.File)
	if err != nil {
		return fmt.Errorf("read trigger state: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), stripTags(notifier.FormatStatus(*state, cfg.Trigger.MaxTriggers)))
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	if !resetYes {
		return errors.New("reset discards the trigger count and history; re-run with --yes to confirm")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	mgr, err := openTracker(cfg, log)
	if err != nil {
		return err
	}
	if err := mgr.Reset(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "State reset: %s\n", mgr.FilePath())
	return nil
}
