// Package sheet extracts the shelf position and quantity columns from an inventory export.
package sheet

import (
	"context"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("stockexport/sheet")

var ErrEmptyWorkbook = errors.New("workbook has no sheets")

const (
	// PositionColumn is the zero-based column holding the shelf position.
	PositionColumn = 6
	// QuantityColumn is the zero-based column holding the counted quantity.
	QuantityColumn = 13
)

// Row is one extracted record, cells are kept as the text the spreadsheet displays.
type Row struct {
	Position string `json:"position"`
	Quantity string `json:"quantity"`
}

// Extractor projects two columns out of the first sheet of a workbook.
type Extractor struct {
	PositionColumn int
	QuantityColumn int
}

func NewExtractor() Extractor {
	return Extractor{
		PositionColumn: PositionColumn,
		QuantityColumn: QuantityColumn,
	}
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// Extract reads the first sheet of the workbook at `path`, skips the header row and returns one Row
// per remaining row. Cells past the end of a short row are empty strings.
func (e Extractor) Extract(ctx context.Context, path string) ([]Row, error) {
	_, span := tracer.Start(ctx, "extractor:Extract")
	defer span.End()

	rows, err := e.extract(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

func (e Extractor) extract(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyWorkbook
	}

	grid, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet '%s': %w", sheets[0], err)
	}
	if len(grid) <= 1 {
		return []Row{}, nil
	}

	out := make([]Row, 0, len(grid)-1)
	for _, row := range grid[1:] {
		out = append(out, Row{
			Position: cell(row, e.PositionColumn),
			Quantity: cell(row, e.QuantityColumn),
		})
	}
	return out, nil
}
