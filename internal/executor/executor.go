// Package executor abstracts statement execution against Snowflake.
//
// Everything above this package talks to the Executor interface; the live
// implementation rides gosnowflake through database/sql, and tests inject a
// Fake. Implementations must honor per-call session overrides, release them
// on return, and cancel the server-side statement when the context expires.
package executor

import (
	"context"
	"io"
	"time"
)

// Session carries per-call context overrides. Empty fields inherit the
// connection defaults.
type Session struct {
	Warehouse string `json:"warehouse,omitempty"`
	Database  string `json:"database,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Role      string `json:"role,omitempty"`
}

// IsZero reports whether no override is set.
func (s Session) IsZero() bool {
	return s.Warehouse == "" && s.Database == "" && s.Schema == "" && s.Role == ""
}

// Options configures a single Run call.
type Options struct {
	// Session overrides for this call only.
	Session Session

	// Timeout bounds the call; zero means the caller's context governs.
	Timeout time.Duration
}

// RowIterator streams result rows. It must be drained or closed.
type RowIterator interface {
	// Columns returns the ordered column names.
	Columns() []string

	// Next returns the next row, or io.EOF when exhausted.
	Next() ([]interface{}, error)

	// Close releases the underlying result set.
	Close() error
}

// Executor is the abstract Snowflake call surface.
type Executor interface {
	// Run executes a single statement and returns its rows.
	Run(ctx context.Context, statement string, opts Options) (RowIterator, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Collect drains an iterator into memory, up to limit rows (no limit when
// limit <= 0). The iterator is closed either way.
func Collect(it RowIterator, limit int) (columns []string, rows [][]interface{}, err error) {
	defer it.Close()
	columns = it.Columns()
	for {
		row, nerr := it.Next()
		if nerr == io.EOF {
			return columns, rows, nil
		}
		if nerr != nil {
			return columns, rows, nerr
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) >= limit {
			return columns, rows, nil
		}
	}
}

// QueryStrings runs a statement and returns every row with each value
// rendered as a string ("" for NULL). Convenience for metadata queries.
func QueryStrings(ctx context.Context, ex Executor, statement string, opts Options) ([]string, [][]string, error) {
	it, err := ex.Run(ctx, statement, opts)
	if err != nil {
		return nil, nil, err
	}
	cols, raw, err := Collect(it, 0)
	if err != nil {
		return nil, nil, err
	}
	rows := make([][]string, len(raw))
	for i, r := range raw {
		row := make([]string, len(r))
		for j, v := range r {
			row[j] = Stringify(v)
		}
		rows[i] = row
	}
	return cols, rows, nil
}

// Stringify renders a driver value as a string, "" for nil.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return stringifyScalar(t)
	}
}
