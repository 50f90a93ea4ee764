package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/sheets/v4"

	"sspdesk/internal/infrastructure"
)

// DefaultSheetRange is the ledger range read by SheetsVerifier
const DefaultSheetRange = "Licenses!A2:C"

// ValuesGetter reads a range of cells
type ValuesGetter interface {
	GetValues(ctx context.Context, sheetID, readRange string) ([][]interface{}, error)
}

// sheetsValues adapts the Sheets API client
type sheetsValues struct {
	svc *sheets.Service
}

func (s sheetsValues) GetValues(ctx context.Context, sheetID, readRange string) ([][]interface{}, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(sheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// SheetsVerifier looks keys up in a Google Sheet ledger with rows of
// key | product_id | next_charge_date.
type SheetsVerifier struct {
	values    ValuesGetter
	sheetID   string
	readRange string
	logger    *slog.Logger
}

// NewSheetsVerifier creates a verifier backed by the Sheets API
func NewSheetsVerifier(svc *sheets.Service, sheetID, readRange string, logger *slog.Logger) *SheetsVerifier {
	return NewSheetsVerifierWithGetter(sheetsValues{svc: svc}, sheetID, readRange, logger)
}

// NewSheetsVerifierWithGetter creates a verifier over any ValuesGetter
func NewSheetsVerifierWithGetter(values ValuesGetter, sheetID, readRange string, logger *slog.Logger) *SheetsVerifier {
	if readRange == "" {
		readRange = DefaultSheetRange
	}
	return &SheetsVerifier{
		values:    values,
		sheetID:   sheetID,
		readRange: readRange,
		logger:    infrastructure.WithComponent(logger, "sheets_verifier"),
	}
}

// Verify finds the key's row and checks its product
func (s *SheetsVerifier) Verify(ctx context.Context, productID, key string) (Verification, error) {
	rows, err := s.values.GetValues(ctx, s.sheetID, s.readRange)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return Verification{}, httpError(apiErr.Code)
		}
		s.logger.WarnContext(ctx, "License ledger read failed", slog.String("error", err.Error()))
		return Verification{}, networkError(err)
	}

	want := normalize(key)
	for i, row := range rows {
		if len(row) == 0 || normalize(cell(row, 0)) != want {
			continue
		}
		rowProduct := strings.TrimSpace(cell(row, 1))
		if rowProduct != productID {
			return Verification{}, wrongProduct(fmt.Sprintf("ledger row %d is for product %s", i+1, rowProduct))
		}
		next, err := ParseChargeDate(cell(row, 2))
		if err != nil {
			return Verification{}, badJSON(err)
		}
		return Verification{Success: true, ProductID: productID, NextCharge: next}, nil
	}

	return Verification{}, wrongProduct("key not found in ledger")
}

func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return fmt.Sprint(row[i])
}

func normalize(key string) string {
	return strings.ToUpper(strings.Join(strings.Fields(key), ""))
}
