package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lsto/internal/config"
	"github.com/cwbudde/lsto/internal/store"
)

var (
	resumeMaxIter   int
	resumeDataDir   string
	resumeStore     string
	resumeAlgorithm string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run from its last snapshot",
	Long: `Restores the level-set function of the newest snapshot of a stored run
and continues the evolution with the configuration recorded in its manifest.
--max-iter counts from iteration 0 of the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().IntVar(&resumeMaxIter, "max-iter", 0, "Total number of iterations (0 = as recorded)")
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./save", "Directory for checkpoints and traces")
	resumeCmd.Flags().StringVar(&resumeStore, "store", config.StoreFS, "Checkpoint store: fs, badger")
	resumeCmd.Flags().StringVar(&resumeAlgorithm, "algorithm", "", "Switch the velocity sub-optimizer")

	rootCmd.AddCommand(resumeCmd)
}

// loadRunConfig reads the configuration a stored run was started with.
func loadRunConfig(kind, dataDir, runID string) (*config.Config, *store.Manifest, error) {
	sink, err := openSink(kind, dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer sink.Close()

	m, err := sink.GetManifest(runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if m.Config == "" {
		return nil, nil, fmt.Errorf("run %s has no recorded configuration", runID)
	}
	cfg, err := config.Parse([]byte(m.Config))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse configuration of run %s: %w", runID, err)
	}
	return cfg, m, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, m, err := loadRunConfig(resumeStore, resumeDataDir, runID)
	if err != nil {
		return err
	}
	cfg.Run.DataDir = resumeDataDir
	cfg.Run.Store = resumeStore
	if resumeMaxIter > 0 {
		cfg.Run.MaxIterations = resumeMaxIter
	}
	if resumeAlgorithm != "" {
		cfg.SubOptim.Algorithm = resumeAlgorithm
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		setupLogger(cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("Resuming optimization",
		"run_id", runID,
		"status", m.Status,
		"iteration", m.Iteration,
		"max_iterations", cfg.Run.MaxIterations,
	)

	s, err := newSession(cfg, runID, true)
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

	res, err := s.driver.Resume(ctx)
	report(res)
	if err != nil {
		return fmt.Errorf("resume %s: %w", runID, err)
	}
	return nil
}
