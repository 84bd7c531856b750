package target

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/denkoushi/backupguard/pkg/backuperr"
)

// csvDatasets whitelists the exportable tables. The dataset name doubles as
// the table name, so lookups here stop arbitrary identifiers reaching SQL.
var csvDatasets = map[string]bool{
	"employees": true,
	"items":     true,
	"loans":     true,
}

// NewSQLExporter returns a csv exporter backed by a live database handle.
// The returned hook writes a header row followed by every row of the table.
func NewSQLExporter(db *sql.DB) func(ctx context.Context, dataset string, w io.Writer) error {
	return func(ctx context.Context, dataset string, w io.Writer) error {
		if !csvDatasets[dataset] {
			return &backuperr.ConfigurationError{
				Field:   "source",
				Message: fmt.Sprintf("unknown csv dataset %q", dataset),
			}
		}

		rows, err := db.QueryContext(ctx, "SELECT * FROM "+dataset)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", dataset, err)
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return err
		}

		cw := csv.NewWriter(w)
		if err := cw.Write(columns); err != nil {
			return err
		}

		values := make([]sql.NullString, len(columns))
		scan := make([]interface{}, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}

		record := make([]string, len(columns))
		for rows.Next() {
			if err := rows.Scan(scan...); err != nil {
				return err
			}
			for i, v := range values {
				record[i] = v.String
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		cw.Flush()
		return cw.Error()
	}
}
