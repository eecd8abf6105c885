package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/lsto/internal/config"
)

var (
	configPath   string
	runMaxIter   int
	runDataDir   string
	runObjective string
	runAlgorithm string
	runStore     string
	runMetrics   string
	smoke        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a topology optimization",
	Long: `Runs the level-set evolution from the configured initial design and
checkpoints the shape after every iteration. Use --smoke for a single
iteration test run.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Configuration file (YAML or JSON)")
	runCmd.Flags().IntVar(&runMaxIter, "max-iter", 300, "Maximum number of iterations")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "./save", "Directory for checkpoints and traces")
	runCmd.Flags().StringVar(&runObjective, "objective", "coupled_heat", "Objective: compliance, stress, conduction, coupled_heat")
	runCmd.Flags().StringVar(&runAlgorithm, "algorithm", "bisection", "Velocity sub-optimizer: bisection, simplex, crosscheck")
	runCmd.Flags().StringVar(&runStore, "store", "fs", "Checkpoint store: fs, badger")
	runCmd.Flags().StringVar(&runMetrics, "metrics", "none", "Metric exporter: none, stdout")
	runCmd.Flags().BoolVar(&smoke, "smoke", false, "Run a single iteration")

	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overrides the config with the flags set on the command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-iter") {
		cfg.Run.MaxIterations = runMaxIter
	}
	if flags.Changed("data-dir") {
		cfg.Run.DataDir = runDataDir
	}
	if flags.Changed("objective") {
		cfg.Problem.Objective = runObjective
	}
	if flags.Changed("algorithm") {
		cfg.SubOptim.Algorithm = runAlgorithm
	}
	if flags.Changed("store") {
		cfg.Run.Store = runStore
	}
	if flags.Changed("metrics") {
		cfg.Observability.Metrics = runMetrics
	}
	if smoke {
		cfg.Run.MaxIterations = 1
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		setupLogger(cfg.Observability.LogLevel)
	}
	return cfg.Validate()
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	runID := uuid.NewString()
	slog.Info("Starting optimization",
		"run_id", runID,
		"objective", cfg.Problem.Objective,
		"algorithm", cfg.SubOptim.Algorithm,
		"max_iterations", cfg.Run.MaxIterations,
		"data_dir", cfg.Run.DataDir,
	)

	s, err := newSession(cfg, runID, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("Failed to close run resources", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := s.driver.Run(ctx)
	report(res)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}
