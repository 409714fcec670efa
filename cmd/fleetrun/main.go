package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetrun/internal/telemetry"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetrun",
		Short: "fleetrun: declare operations, run them across a fleet over SSH",
		Long:  "fleetrun declares operations from a deploy file and executes them on every inventory host with bounded parallelism.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().Bool("metrics", false, "log collected run metrics on exit")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		metrics, _ := c.Flags().GetBool("metrics")
		telemetry.InitGlobal(metrics, time.Minute)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPlanCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetrun %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// execute runs root and flushes telemetry whether or not the command failed.
func execute(ctx context.Context, root *cobra.Command) error {
	root.SetContext(ctx)
	err := root.Execute()
	flushTelemetry()
	return err
}

func flushTelemetry() {
	for _, m := range telemetry.GetGlobal().Totals() {
		log.Info().Str("metric", m.Name).Float64("total", m.Value).Msg("Run metric")
	}
	if err := telemetry.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Flushing metrics failed")
	}
}

func main() {
	setupLogger()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, newRootCmd())
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
