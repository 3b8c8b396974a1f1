package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultMaxRows = 1000

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// RecipientRow is one bulk-campaign recipient. Line is the 1-based CSV line.
// Variables holds every column other than Email and UserId, keyed by header.
type RecipientRow struct {
	Line      int
	Email     string
	UserID    string
	Variables map[string]any
}

type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// ParseRecipientRows reads a CSV with a header row. The Email column is
// required (case-insensitive); a UserId column is optional. Rows with the
// wrong number of fields or no address are reported in the returned
// RowErrors instead of aborting the parse.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, []RowError, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, nil, ErrNoRows
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx, userIdx := -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "userid"), strings.EqualFold(h, "user_id"):
			userIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var (
		rows    []RecipientRow
		rowErrs []RowError
	)
	for len(rows)+len(rowErrs) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rowErrs = append(rowErrs, RowError{Line: perr.StartLine, Err: perr.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if len(record) != len(headers) {
			rowErrs = append(rowErrs, RowError{
				Line: line,
				Err:  fmt.Sprintf("expected %d fields, got %d", len(headers), len(record)),
			})
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			rowErrs = append(rowErrs, RowError{Line: line, Err: "missing email"})
			continue
		}

		row := RecipientRow{
			Line:      line,
			Email:     email,
			Variables: make(map[string]any, len(headers)),
		}
		for i, v := range record {
			switch {
			case i == emailIdx:
			case i == userIdx:
				row.UserID = strings.TrimSpace(v)
			case normalized[i] != "":
				row.Variables[normalized[i]] = strings.TrimSpace(v)
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 && len(rowErrs) == 0 {
		return nil, nil, ErrNoRows
	}
	return rows, rowErrs, nil
}
