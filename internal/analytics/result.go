package analytics

import (
	"encoding/json"
)

// Row is one result row keyed by column name.
type Row map[string]any

// ReportResult is either the rows of a report or the error it failed with.
// The zero value is an empty successful result.
type ReportResult struct {
	rows   []Row
	err    string
	failed bool
}

func Ok(rows []Row) ReportResult {
	if rows == nil {
		rows = []Row{}
	}
	return ReportResult{rows: rows}
}

func Err(message string) ReportResult {
	return ReportResult{err: message, failed: true}
}

func (r ReportResult) IsErr() bool {
	return r.failed
}

func (r ReportResult) Rows() []Row {
	if r.IsErr() {
		return nil
	}
	if r.rows == nil {
		return []Row{}
	}
	return r.rows
}

func (r ReportResult) Error() string {
	return r.err
}

func (r ReportResult) MarshalJSON() ([]byte, error) {
	if r.IsErr() {
		return json.Marshal(map[string]string{"error": r.err})
	}
	return json.Marshal(r.Rows())
}

func (r *ReportResult) UnmarshalJSON(data []byte) error {
	var errObj struct {
		Error *string `json:"error"`
	}
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &errObj); err != nil {
			return err
		}
		if errObj.Error != nil {
			*r = Err(*errObj.Error)
			return nil
		}
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	*r = Ok(rows)
	return nil
}

// Results maps report name to its result within one group.
type Results map[string]ReportResult

func rowsFrom(columns []string, values [][]any) []Row {
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		row := make(Row, len(columns))
		for i, col := range columns {
			if i < len(v) {
				row[col] = v[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}
