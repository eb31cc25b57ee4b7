package materialize

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"

	"github.com/jackc/pgx/v5"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"auctus/internal/types"
)

func init() {
	RegisterFetcher("postgres", &pgFetcher{})
	RegisterFetcher("mssql", &sqlFetcher{driver: "sqlserver"})
	RegisterFetcher("sqlite", &sqlFetcher{driver: "sqlite"})
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// sqlSource pulls the connection string and statement out of a
// descriptor. Either a full "query" or a bare "table" is accepted.
func sqlSource(mat *types.Materialization) (dsn, query string, err error) {
	dsn, _ = mat.Extra["connection"].(string)
	if dsn == "" {
		return "", "", fmt.Errorf("materialize: descriptor %q has no connection", mat.Identifier)
	}
	if q, ok := mat.Extra["query"].(string); ok && q != "" {
		return dsn, q, nil
	}
	table, _ := mat.Extra["table"].(string)
	if !tableNameRe.MatchString(table) {
		return "", "", fmt.Errorf("materialize: descriptor %q has no usable table", mat.Identifier)
	}
	return dsn, "SELECT * FROM " + table, nil
}

// pgFetcher streams a Postgres table as CSV.
type pgFetcher struct{}

func (f *pgFetcher) Fetch(ctx context.Context, mat *types.Materialization, dest io.Writer) error {
	dsn, query, err := sqlSource(mat)
	if err != nil {
		return err
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("materialize: postgres connect: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("materialize: postgres query: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(dest)
	header := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		header = append(header, fd.Name)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		for i, v := range values {
			record[i] = cellText(v)
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

// sqlFetcher streams a database/sql table as CSV; the driver name
// selects the backend.
type sqlFetcher struct {
	driver string
}

func (f *sqlFetcher) Fetch(ctx context.Context, mat *types.Materialization, dest io.Writer) error {
	dsn, query, err := sqlSource(mat)
	if err != nil {
		return err
	}
	db, err := sql.Open(f.driver, dsn)
	if err != nil {
		return fmt.Errorf("materialize: %s open: %w", f.driver, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("materialize: %s query: %w", f.driver, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	cw := csv.NewWriter(dest)
	if err := cw.Write(cols); err != nil {
		return err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	record := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			record[i] = cellText(v)
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

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
