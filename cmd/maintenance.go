package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/logger"
	"docflow/internal/postprocess"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire every session whose retention window has closed",
	Long: `Run one cleanup pass over all live sessions, the same pass serve runs on
CLEANUP_SWEEP_SPEC. Overdue sessions have their stored artifacts deleted and
are marked expired; a single cleanup log entry records the pass.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var normalizeDateCmd = &cobra.Command{
	Use:   "normalize-date [value...]",
	Short: "Show how extracted date strings normalize to YYYY-MM-DD",
	Example: `  docflow normalize-date 06/05/2025 "5th June 2025" 45813 20250605`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runNormalizeDate,
}

func init() {
	rootCmd.AddCommand(sweepCmd, normalizeDateCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("sweep")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := a.lifecycle.Sweep(ctx)
	if printErr := printJSON(reports); printErr != nil {
		return printErr
	}
	return err
}

func runNormalizeDate(cmd *cobra.Command, args []string) error {
	now := time.Now()
	for _, value := range args {
		normalized, ok := postprocess.NormalizeDate(value, now)
		if !ok {
			normalized += " (fallback)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", value, normalized)
	}
	return nil
}
