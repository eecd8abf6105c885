package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lsto/internal/config"
	"github.com/cwbudde/lsto/internal/store"
)

var (
	statusDataDir string
	statusStore   string
	statusTail    int
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the progress of a run",
	Long: `Shows the manifest of a stored run together with the last entries of
its iteration trace.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "./save", "Directory for checkpoints and traces")
	statusCmd.Flags().StringVar(&statusStore, "store", config.StoreFS, "Checkpoint store: fs, badger")
	statusCmd.Flags().IntVar(&statusTail, "tail", 10, "Number of trace entries to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	sink, err := openSink(statusStore, statusDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer sink.Close()

	m, err := sink.GetManifest(runID)
	if err != nil {
		return fmt.Errorf("run not found: %s: %w", runID, err)
	}

	entries, err := readTrace(statusDataDir, runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", m.RunID)
	fmt.Printf("Status: %s\n", m.Status)
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Grid: %dx%d\n", m.Nelx, m.Nely)
	fmt.Printf("  Objective: %s\n", m.Objective)
	fmt.Printf("  Algorithm: %s\n", m.Algorithm)
	if m.ConfigDigest != "" {
		fmt.Printf("  Digest: %s\n", m.ConfigDigest)
	}
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Iteration: %d\n", m.Iteration)
	fmt.Printf("  Objective: %.6g\n", m.LastObjective)
	fmt.Printf("  Area fraction: %.4f\n", m.LastAreaFraction)
	if len(entries) > 0 {
		initial := entries[0].Objective
		change := m.LastObjective - initial
		if initial != 0 {
			fmt.Printf("  Change: %.6g (%.1f%%)\n", change, 100*change/math.Abs(initial))
		}
	}
	fmt.Printf("  Elapsed: %s\n", m.Updated.Sub(m.Created).Round(time.Millisecond))

	if m.Error != "" {
		fmt.Printf("\nError: %s\n", m.Error)
	}

	if len(entries) == 0 || statusTail <= 0 {
		return nil
	}
	if len(entries) > statusTail {
		entries = entries[len(entries)-statusTail:]
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tOBJECTIVE\tAREA\tPOINTS\tLAMBDA\tTIME")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%.6g\t%.4f\t%d\t%.4g\t%s\n",
			e.Iteration,
			e.Objective,
			e.AreaFraction,
			e.Points,
			e.Lambda,
			time.Duration(e.DurationMs)*time.Millisecond,
		)
	}
	return w.Flush()
}

// readTrace returns all trace entries of a run. A missing trace yields none.
func readTrace(dataDir, runID string) ([]store.TraceEntry, error) {
	tr, err := store.NewTraceReader(dataDir, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return entries, nil
}
