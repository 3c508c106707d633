package sheets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"docflow/internal/export"
	"docflow/internal/logger"
	"docflow/pkg/models"
)

var spreadsheetURL = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// Service appends session results to a Google Sheet
type Service struct {
	sheetsService *sheets.Service
	spreadsheetID string
	log           zerolog.Logger
}

// NewSheetsService creates a new Google Sheets service for the sheet at sheetURL.
// Credentials come from credFile, then credJSON.
func NewSheetsService(ctx context.Context, sheetURL, credFile, credJSON string) (*Service, error) {
	const op = "NewSheetsService"

	log := logger.WithComponent("sheets")

	spreadsheetID, err := ExtractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract spreadsheet ID: %w", op, err)
	}
	log.Debug().Str("spreadsheet_id", spreadsheetID).Msg("Extracted spreadsheet ID")

	var creds []byte
	switch {
	case credFile != "":
		creds, err = os.ReadFile(credFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	case credJSON != "":
		creds = []byte(credJSON)
	default:
		return nil, fmt.Errorf("%s: neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set", op)
	}

	config, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse credentials: %w", op, err)
	}

	sheetsService, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create sheets service: %w", op, err)
	}

	return &Service{
		sheetsService: sheetsService,
		spreadsheetID: spreadsheetID,
		log:           log,
	}, nil
}

// ExtractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL
func ExtractSpreadsheetID(url string) (string, error) {
	matches := spreadsheetURL.FindStringSubmatch(url)
	if len(matches) < 2 {
		return "", fmt.Errorf("invalid Google Sheets URL format")
	}
	return matches[1], nil
}

// WriteResults appends one row per job to the named worksheet, creating it
// with a header row when missing. Every row carries the session id and the
// export time so repeated exports stay distinguishable.
func (s *Service) WriteResults(ctx context.Context, sessionID string, results []models.JobResult, sheetName string) (int, error) {
	const op = "WriteResults"

	s.log.Info().
		Str("sheet", sheetName).
		Str("session_id", sessionID).
		Int("rows", len(results)).
		Msg("Writing session results to Google Sheet")

	headers, values := Rows(sessionID, results, time.Now())

	sheetID, created, err := s.ensureSheet(ctx, sheetName)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to ensure sheet exists: %w", op, err)
	}
	if created {
		if err := s.writeHeaders(ctx, sheetID, sheetName, headers); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	_, err = s.sheetsService.Spreadsheets.Values.Append(
		s.spreadsheetID,
		sheetName+"!A:A",
		&sheets.ValueRange{Values: values},
	).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("%s: failed to append values to sheet: %w", op, err)
	}

	s.log.Info().
		Int("rows_written", len(values)).
		Msg("Successfully wrote session results to Google Sheet")
	return len(values), nil
}

// Rows prefixes the export table with session and export-time columns.
func Rows(sessionID string, results []models.JobResult, exportedAt time.Time) ([]any, [][]any) {
	headers, rows := export.Table(results)
	stamp := exportedAt.UTC().Format(time.RFC3339)

	outHeaders := []any{"Session", "Exported At"}
	for _, h := range headers {
		outHeaders = append(outHeaders, h)
	}
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, append([]any{sessionID, stamp}, row...))
	}
	return outHeaders, out
}

func (s *Service) ensureSheet(ctx context.Context, sheetName string) (int64, bool, error) {
	spreadsheet, err := s.sheetsService.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get spreadsheet: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == sheetName {
			return sheet.Properties.SheetId, false, nil
		}
	}

	s.log.Info().Str("sheet", sheetName).Msg("Creating new sheet")
	resp, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheetName}}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return 0, false, fmt.Errorf("failed to create sheet: %w", err)
	}
	return resp.Replies[0].AddSheet.Properties.SheetId, true, nil
}

func (s *Service) writeHeaders(ctx context.Context, sheetID int64, sheetName string, headers []any) error {
	_, err := s.sheetsService.Spreadsheets.Values.Update(
		s.spreadsheetID,
		sheetName+"!A1",
		&sheets.ValueRange{Values: [][]any{headers}},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to add headers: %w", err)
	}

	// Bold header row
	_, err = s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:        sheetID,
					StartRowIndex:  0,
					EndRowIndex:    1,
					EndColumnIndex: int64(len(headers)),
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						TextFormat:      &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
					},
				},
				Fields: "userEnteredFormat(textFormat,backgroundColor)",
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to format headers, continuing anyway")
	}
	return nil
}
