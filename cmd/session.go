package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/logger"
	"docflow/internal/service"
)

var submitCmd = &cobra.Command{
	Use:   "submit [file...]",
	Short: "Create a session from local files and process it",
	Long: `Upload one or more PDF or image files as a new session. Every page
becomes its own extraction job.

Without NATS the session is processed in this process and the command waits
for the final state. With NATS_URL set the session is published to the
dispatch queue unless --wait is given.`,
	Example: `  # Process two receipts for a pro-tier owner and print the results
  docflow submit receipt1.pdf receipt2.jpg --owner acme --tier pro

  # Hand the session to running serve instances
  NATS_URL=nats://localhost:4222 docflow submit scans.pdf --owner acme`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [session-id]",
	Short: "Publish an uploaded session for dispatch",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Print a session's state and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var resultsCmd = &cobra.Command{
	Use:   "results [session-id]",
	Short: "Print or export a session's per-page results",
	Example: `  # Print results as JSON
  docflow results 2f6c...

  # Write an Excel workbook and append to a Google Sheet
  docflow results 2f6c... --xlsx out.xlsx --sheet https://docs.google.com/spreadsheets/d/abc/edit`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

var expireCmd = &cobra.Command{
	Use:   "expire [session-id]",
	Short: "Move a session's expiry forward, deleting it now by default",
	Args:  cobra.ExactArgs(1),
	RunE:  runExpire,
}

func init() {
	submitCmd.Flags().String("owner", "", "Owner id debited for completed pages")
	submitCmd.Flags().String("tier", "free", "Subscription tier selecting the concurrency ceiling")
	submitCmd.Flags().String("model", "", "Extraction model or processor version")
	submitCmd.Flags().Bool("wait", false, "Process in this process even when NATS is configured")

	resultsCmd.Flags().String("xlsx", "", "Write results to this Excel file")
	resultsCmd.Flags().String("sheet", "", "Append results to this Google Sheet URL")

	expireCmd.Flags().String("at", "", "New expiry time (RFC3339); defaults to now")

	rootCmd.AddCommand(submitCmd, enqueueCmd, statusCmd, resultsCmd, expireCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("submit")

	owner, _ := cmd.Flags().GetString("owner")
	tier, _ := cmd.Flags().GetString("tier")
	model, _ := cmd.Flags().GetString("model")
	wait, _ := cmd.Flags().GetBool("wait")

	req := service.SessionRequest{OwnerID: owner, Tier: tier, ModelID: model}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		req.Files = append(req.Files, service.Upload{Name: filepath.Base(path), Data: data})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{publish: !wait})
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.service.CreateSession(ctx, req)
	if err != nil {
		return err
	}
	log.Info().Str("session_id", session.ID).Int("files", len(req.Files)).Msg("Session created")

	if a.queue != nil {
		if err := a.service.EnqueueSession(ctx, session.ID); err != nil {
			return err
		}
		return printJSON(map[string]any{"session_id": session.ID, "queued": true})
	}

	if _, err := a.service.Dispatch(ctx, session.ID); err != nil {
		return err
	}
	status, err := a.service.GetSessionStatus(ctx, session.ID)
	if err != nil {
		return err
	}
	results, err := a.service.GetJobResults(ctx, session.ID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"session": status, "results": results})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("enqueue")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required to enqueue from the command line")
	}
	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{publish: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.service.EnqueueSession(ctx, args[0]); err != nil {
		return err
	}
	return printJSON(map[string]any{"session_id": args[0], "queued": true})
}

func runStatus(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("status")
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

	status, err := a.service.GetSessionStatus(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runResults(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("results")
	xlsxPath, _ := cmd.Flags().GetString("xlsx")
	sheetURL, _ := cmd.Flags().GetString("sheet")

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

	sessionID := args[0]
	if xlsxPath != "" {
		data, err := a.service.ExportResults(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(xlsxPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", xlsxPath, err)
		}
		log.Info().Str("path", xlsxPath).Msg("Results written to workbook")
	}
	if sheetURL != "" {
		rows, err := a.service.ExportToSheet(ctx, sessionID, sheetURL)
		if err != nil {
			return err
		}
		log.Info().Int("rows", rows).Msg("Results appended to sheet")
	}
	if xlsxPath != "" || sheetURL != "" {
		return nil
	}

	results, err := a.service.GetJobResults(ctx, sessionID)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func runExpire(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("expire")
	atFlag, _ := cmd.Flags().GetString("at")

	at := time.Now()
	if atFlag != "" {
		parsed, err := time.Parse(time.RFC3339, atFlag)
		if err != nil {
			return fmt.Errorf("invalid --at value %q: %w", atFlag, err)
		}
		at = parsed
	}

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

	report, err := a.service.ExpediteExpiry(ctx, args[0], at)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
