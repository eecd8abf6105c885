package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lsto/internal/config"
	"github.com/cwbudde/lsto/internal/store"
)

var (
	checkpointDataDir string
	checkpointStore   string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage stored runs",
	Long: `Manage the checkpoints of optimization runs: list runs, inspect the
snapshots of one run, and clean old runs.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored runs",
	Long:  `Display all runs with run ID, status, objective, last iteration, objective value, area fraction and size.`,
	RunE:  runListCheckpoints,
}

var showCheckpointsCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the snapshots of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old runs",
	Long: `Delete old runs based on a retention policy.
You can keep the N most recently updated runs or delete runs older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(showCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "./save", "Base directory for checkpoint storage")
	checkpointsCmd.PersistentFlags().StringVar(&checkpointStore, "store", config.StoreFS, "Checkpoint store: fs, badger")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent runs (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs not updated for N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	sink, err := openSink(checkpointStore, checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer sink.Close()

	infos, err := sink.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs found.")
		return nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tOBJECTIVE\tITERATION\tVALUE\tAREA\tUPDATED\tSIZE")
	fmt.Fprintln(w, "------\t------\t---------\t---------\t-----\t----\t-------\t----")

	for _, info := range infos {
		sizeStr := "-"
		if checkpointStore != config.StoreBadger {
			if size, err := getDirSize(store.RunDir(checkpointDataDir, info.RunID)); err == nil {
				sizeStr = formatBytes(size)
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.6g\t%.4f\t%s\t%s\n",
			shortID(info.RunID),
			info.Status,
			info.Objective,
			info.Iteration,
			info.LastValue,
			info.AreaFraction,
			info.Updated.Format("2006-01-02 15:04:05"),
			sizeStr,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowCheckpoints(cmd *cobra.Command, args []string) error {
	runID := args[0]

	sink, err := openSink(checkpointStore, checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer sink.Close()

	m, err := sink.GetManifest(runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	keys, err := sink.Keys(runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	fmt.Printf("Run:        %s\n", m.RunID)
	fmt.Printf("Status:     %s\n", m.Status)
	fmt.Printf("Grid:       %dx%d\n", m.Nelx, m.Nely)
	fmt.Printf("Objective:  %s (%s)\n", m.Objective, m.Algorithm)
	fmt.Printf("Iteration:  %d\n", m.Iteration)
	fmt.Printf("Value:      %.6g\n", m.LastObjective)
	fmt.Printf("Area:       %.4f\n", m.LastAreaFraction)
	if m.Error != "" {
		fmt.Printf("Error:      %s\n", m.Error)
	}
	fmt.Printf("Created:    %s\n", m.Created.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", m.Updated.Format(time.RFC3339))
	fmt.Printf("\nRecords (%d):\n", len(keys))
	for _, k := range keys {
		fmt.Printf("  %s\n", k)
	}
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	sink, err := openSink(checkpointStore, checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer sink.Close()

	infos, err := sink.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())

	if len(toDelete) == 0 {
		fmt.Println("No runs match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%s, iteration %d, %s)\n",
			shortID(info.RunID),
			info.Status,
			info.Iteration,
			info.Updated.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		err := errors.Join(
			sink.DeleteRun(info.RunID),
			store.DeleteTrace(checkpointDataDir, info.RunID),
		)
		if err != nil {
			slog.Error("Failed to delete run", "run_id", info.RunID, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "run_id", info.RunID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion returns the runs last updated before the age cutoff
// together with all but the keepLast most recently updated runs.
func selectRunsForDeletion(infos []store.RunInfo, keepLast int, olderThanDays int, now time.Time) []store.RunInfo {
	var toDelete []store.RunInfo
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Updated.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.RunID] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.RunInfo, len(infos))
		copy(sorted, infos)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Updated.Before(sorted[j].Updated) })

		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.RunID] {
				toDelete = append(toDelete, info)
				selected[info.RunID] = true
			}
		}
	}

	return toDelete
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
