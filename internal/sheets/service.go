// Package sheets exports stored biomarker records to a Google Sheet.
//
// Rows are keyed by record ID (column B): exporting the same records twice
// rewrites their rows in place instead of appending duplicates.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"labtools/internal/logger"
	"labtools/pkg/models"
)

const (
	lastColumn  = "K"
	columnCount = 11
	dateLayout  = "2006-01-02"
)

// Headers is the header row of the export sheet.
var Headers = []interface{}{
	"Subject", "Record ID", "Metric", "Value", "Unit",
	"Date", "Source Document", "Original Value", "Exported",
	"Range Low", "Range High",
}

// ErrInvalidSheetURL is returned when no spreadsheet ID can be found in the URL.
var ErrInvalidSheetURL = errors.New("invalid Google Sheets URL format")

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// Service handles Google Sheets operations
type Service struct {
	sheetsService *sheets.Service
	spreadsheetID string
	log           zerolog.Logger
	now           func() time.Time
}

// NewSheetsService creates a new Google Sheets service
func NewSheetsService(ctx context.Context, sheetURL string) (*Service, error) {
	const op = "NewSheetsService"

	log := logger.WithComponent("sheets")

	spreadsheetID, err := extractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract spreadsheet ID: %w", op, err)
	}

	log.Debug().Str("spreadsheet_id", spreadsheetID).Msg("Extracted spreadsheet ID")

	var creds []byte
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		creds, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
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
		now:           time.Now,
	}, nil
}

func extractSpreadsheetID(url string) (string, error) {
	matches := spreadsheetIDPattern.FindStringSubmatch(url)
	if len(matches) < 2 {
		return "", ErrInvalidSheetURL
	}
	return matches[1], nil
}

// WriteRecords upserts records into the named sheet and returns how many rows
// were updated in place and how many were appended.
func (s *Service) WriteRecords(ctx context.Context, records []*models.Record, sheetName string) (updated, appended int, err error) {
	const op = "WriteRecords"

	s.log.Info().
		Str("sheet", sheetName).
		Int("records", len(records)).
		Msg("Writing records to Google Sheet")

	if err := s.ensureSheetWithHeaders(ctx, sheetName); err != nil {
		return 0, 0, fmt.Errorf("%s: failed to ensure sheet exists: %w", op, err)
	}

	existing, err := s.ReadRange(ctx, sheetName+"!B:B")
	if err != nil {
		return 0, 0, fmt.Errorf("%s: failed to read record IDs: %w", op, err)
	}

	exportedAt := s.now().UTC().Format(time.RFC3339)
	updates, appends := planUpsert(existing, records, exportedAt)

	if len(updates) > 0 {
		req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW"}
		for _, u := range updates {
			req.Data = append(req.Data, &sheets.ValueRange{
				Range:  rowRange(sheetName, u.row),
				Values: [][]interface{}{u.values},
			})
		}
		if _, err := s.sheetsService.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return 0, 0, fmt.Errorf("%s: failed to update rows: %w", op, err)
		}
	}

	if len(appends) > 0 {
		_, err = s.sheetsService.Spreadsheets.Values.Append(
			s.spreadsheetID,
			sheetName+"!A:"+lastColumn,
			&sheets.ValueRange{Values: appends},
		).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return len(updates), 0, fmt.Errorf("%s: failed to append values to sheet: %w", op, err)
		}
	}

	s.log.Info().
		Int("rows_updated", len(updates)).
		Int("rows_appended", len(appends)).
		Msg("Successfully wrote records to Google Sheet")

	return len(updates), len(appends), nil
}

type rowUpdate struct {
	row    int // 1-based sheet row
	values []interface{}
}

// planUpsert matches records against the existing column B values. Records
// whose ID already has a row are rewritten there; the rest are appended. The
// first row (headers) is never matched.
func planUpsert(existing [][]interface{}, records []*models.Record, exportedAt string) ([]rowUpdate, [][]interface{}) {
	rowByID := make(map[string]int, len(existing))
	for i, cells := range existing {
		if i == 0 || len(cells) == 0 {
			continue
		}
		id := fmt.Sprint(cells[0])
		if _, seen := rowByID[id]; !seen {
			rowByID[id] = i + 1
		}
	}

	var updates []rowUpdate
	var appends [][]interface{}
	pending := make(map[string]int)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		values := recordToValues(rec, exportedAt)
		if row, ok := rowByID[rec.RecordID]; ok {
			updates = append(updates, rowUpdate{row: row, values: values})
			continue
		}
		// Repeated IDs within one export collapse onto the first appended row.
		if idx, ok := pending[rec.RecordID]; ok {
			appends[idx] = values
			continue
		}
		pending[rec.RecordID] = len(appends)
		appends = append(appends, values)
	}
	return updates, appends
}

func recordToValues(rec *models.Record, exportedAt string) []interface{} {
	return []interface{}{
		rec.SubjectID,                          // A: Subject
		rec.RecordID,                           // B: Record ID
		rec.Metric,                             // C: Metric
		numericCell(rec.Value),                 // D: Value
		rec.Unit,                               // E: Unit
		rec.EffectiveTime().Format(dateLayout), // F: Date
		rec.SourceDocumentID,                   // G: Source Document
		rec.OriginalValue,                      // H: Original Value
		exportedAt,                             // I: Exported
		numericCell(rec.RangeLow),              // J: Range Low
		numericCell(rec.RangeHigh),             // K: Range High
	}
}

// numericCell writes numbers as numbers so the sheet can chart them.
func numericCell(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func rowRange(sheetName string, row int) string {
	return fmt.Sprintf("%s!A%d:%s%d", sheetName, row, lastColumn, row)
}

// ensureSheetWithHeaders ensures the sheet exists and has proper headers
func (s *Service) ensureSheetWithHeaders(ctx context.Context, sheetName string) error {
	const op = "ensureSheetWithHeaders"

	spreadsheet, err := s.sheetsService.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get spreadsheet: %w", op, err)
	}

	var sheetExists bool
	var sheetID int64
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == sheetName {
			sheetExists = true
			sheetID = sheet.Properties.SheetId
			break
		}
	}

	if !sheetExists {
		s.log.Info().Str("sheet", sheetName).Msg("Creating new sheet")

		batchUpdateReq := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheetName}}},
			},
		}

		resp, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, batchUpdateReq).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("%s: failed to create sheet: %w", op, err)
		}

		sheetID = resp.Replies[0].AddSheet.Properties.SheetId
	}

	headerRange := rowRange(sheetName, 1)
	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get headers: %w", op, err)
	}

	if len(resp.Values) == 0 || len(resp.Values[0]) == 0 {
		s.log.Info().Str("sheet", sheetName).Msg("Adding headers to sheet")

		_, err = s.sheetsService.Spreadsheets.Values.Update(
			s.spreadsheetID,
			headerRange,
			&sheets.ValueRange{Values: [][]interface{}{Headers}},
		).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("%s: failed to add headers: %w", op, err)
		}

		if err := s.formatHeaders(ctx, sheetID); err != nil {
			s.log.Warn().Err(err).Msg("Failed to format headers, continuing anyway")
		}
	}

	return nil
}

// formatHeaders makes the header row bold and resizes the columns
func (s *Service) formatHeaders(ctx context.Context, sheetID int64) error {
	const op = "formatHeaders"

	requests := []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    0,
					EndRowIndex:      1,
					StartColumnIndex: 0,
					EndColumnIndex:   columnCount,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						TextFormat:      &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
					},
				},
				Fields: "userEnteredFormat(textFormat,backgroundColor)",
			},
		},
		{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "COLUMNS",
					StartIndex: 0,
					EndIndex:   columnCount,
				},
			},
		},
	}

	batchUpdateReq := &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}
	if _, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, batchUpdateReq).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%s: failed to format headers: %w", op, err)
	}

	return nil
}

// ReadRange reads values from a specified range in the spreadsheet
func (s *Service) ReadRange(ctx context.Context, rangeSpec string) ([][]interface{}, error) {
	const op = "ReadRange"

	s.log.Debug().
		Str("range", rangeSpec).
		Msg("Reading range from spreadsheet")

	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, rangeSpec).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read range %s: %w", op, rangeSpec, err)
	}

	return resp.Values, nil
}
