package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	// Registers the "snowflake" database/sql driver.
	_ "github.com/snowflakedb/gosnowflake"

	"snowscope/internal/logging"
	"snowscope/internal/profile"
	"snowscope/internal/snowerr"
)

// SnowflakeExecutor is the live Executor over gosnowflake.
type SnowflakeExecutor struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewSnowflake opens a pooled connection for the given profile.
// The connection is lazy; the first call performs the actual login.
func NewSnowflake(p *profile.Profile) (*SnowflakeExecutor, error) {
	dsn, err := buildDSN(p)
	if err != nil {
		return nil, snowerr.Wrap(snowerr.CategoryConfiguration, err,
			"could not build connection string for profile %s", p.Name)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, snowerr.Wrap(snowerr.CategoryConfiguration, err,
			"could not open Snowflake connection for profile %s", p.Name)
	}

	db.SetConnMaxLifetime(time.Hour)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	logging.Executor("opened Snowflake pool for profile %s (account %s)", p.Name, p.Account)
	return &SnowflakeExecutor{db: db, profile: p}, nil
}

// buildDSN assembles a gosnowflake DSN from a validated profile.
// Shape: user[:password]@account/database/schema?warehouse=&role=&authenticator=
func buildDSN(p *profile.Profile) (string, error) {
	if p.Account == "" || p.User == "" {
		return "", fmt.Errorf("profile %s missing account or user", p.Name)
	}

	var b strings.Builder
	b.WriteString(url.QueryEscape(p.User))
	if p.Auth == profile.AuthPassword {
		if p.Password == "" {
			return "", fmt.Errorf("profile %s has no password", p.Name)
		}
		b.WriteString(":")
		b.WriteString(url.QueryEscape(p.Password))
	}
	b.WriteString("@")
	b.WriteString(p.Account)
	b.WriteString("/")
	b.WriteString(p.Database)
	b.WriteString("/")
	b.WriteString(p.Schema)

	params := url.Values{}
	if p.Warehouse != "" {
		params.Set("warehouse", p.Warehouse)
	}
	if p.Role != "" {
		params.Set("role", p.Role)
	}
	switch p.Auth {
	case profile.AuthKeypair:
		params.Set("authenticator", "snowflake_jwt")
		key, err := loadPrivateKey(p.PrivateKeyPath)
		if err != nil {
			return "", err
		}
		params.Set("privateKey", key)
	case profile.AuthOAuth:
		params.Set("authenticator", "oauth")
		params.Set("token", p.Token)
	case profile.AuthSSO:
		params.Set("authenticator", "externalbrowser")
	}
	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(params.Encode())
	}
	return b.String(), nil
}

// loadPrivateKey reads a PKCS#8 PEM key and strips it to the base64 body the
// driver expects in the DSN.
func loadPrivateKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("could not read private key %s: %w", path, err)
	}
	var body strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		body.WriteString(line)
	}
	if body.Len() == 0 {
		return "", fmt.Errorf("private key %s is empty or not PEM", path)
	}
	return body.String(), nil
}

// Run executes a single statement. When the call carries session overrides a
// dedicated connection is used, the overrides are applied with USE
// statements, and the connection is discarded afterwards so the pool never
// sees a dirty session.
func (e *SnowflakeExecutor) Run(ctx context.Context, statement string, opts Options) (RowIterator, error) {
	span := logging.Begin(logging.CategoryExecutor, "run")
	defer span.EndWarnOver(5 * time.Second)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		// Cancel fires when the iterator is closed.
		rows, err := e.run(ctx, statement, opts.Session)
		if err != nil {
			cancel()
			return nil, err
		}
		return &cancelingIterator{RowIterator: rows, cancel: cancel}, nil
	}
	return e.run(ctx, statement, opts.Session)
}

func (e *SnowflakeExecutor) run(ctx context.Context, statement string, session Session) (RowIterator, error) {
	if session.IsZero() {
		rows, err := e.db.QueryContext(ctx, statement)
		if err != nil {
			return nil, snowerr.Classify(err)
		}
		return newSQLIterator(rows)
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, snowerr.Classify(err)
	}
	if err := applySession(ctx, conn, session); err != nil {
		discard(conn)
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, statement)
	if err != nil {
		discard(conn)
		return nil, snowerr.Classify(err)
	}
	it, err := newSQLIterator(rows)
	if err != nil {
		discard(conn)
		return nil, err
	}
	// The connection is discarded (not pooled) when the iterator closes, so
	// the session overrides die with it.
	return &connIterator{sqlIterator: it, conn: conn}, nil
}

// applySession issues USE statements for each override.
func applySession(ctx context.Context, conn *sql.Conn, s Session) error {
	for _, use := range []struct{ kind, name string }{
		{"ROLE", s.Role},
		{"WAREHOUSE", s.Warehouse},
		{"DATABASE", s.Database},
		{"SCHEMA", s.Schema},
	} {
		if use.name == "" {
			continue
		}
		stmt := fmt.Sprintf("USE %s %s", use.kind, quoteIdent(use.name))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return snowerr.Classify(err)
		}
		logging.ExecutorDebug("%s", stmt)
	}
	return nil
}

// Ping verifies connectivity.
func (e *SnowflakeExecutor) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return snowerr.Classify(err)
	}
	return nil
}

// Close releases the pool.
func (e *SnowflakeExecutor) Close() error {
	return e.db.Close()
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqlIterator adapts *sql.Rows to RowIterator.
type sqlIterator struct {
	rows    *sql.Rows
	columns []string
}

func newSQLIterator(rows *sql.Rows) (*sqlIterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, snowerr.Classify(err)
	}
	return &sqlIterator{rows: rows, columns: cols}, nil
}

func (it *sqlIterator) Columns() []string { return it.columns }

func (it *sqlIterator) Next() ([]interface{}, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, snowerr.Classify(err)
		}
		return nil, io.EOF
	}
	values := make([]interface{}, len(it.columns))
	ptrs := make([]interface{}, len(it.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, snowerr.Classify(err)
	}
	return values, nil
}

func (it *sqlIterator) Close() error { return it.rows.Close() }

// connIterator ties a dedicated connection's lifetime to the result set.
type connIterator struct {
	*sqlIterator
	conn *sql.Conn
}

func (it *connIterator) Close() error {
	err := it.sqlIterator.Close()
	discard(it.conn)
	return err
}

// cancelingIterator releases a per-call timeout when the iterator closes.
type cancelingIterator struct {
	RowIterator
	cancel context.CancelFunc
}

func (it *cancelingIterator) Close() error {
	err := it.RowIterator.Close()
	it.cancel()
	return err
}

// discard forces the connection out of the pool so session overrides cannot
// leak into later calls.
func discard(conn *sql.Conn) {
	conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	conn.Close()
}

// stringifyScalar renders non-string scalars for QueryStrings.
func stringifyScalar(v interface{}) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Ensure interface conformance.
var _ Executor = (*SnowflakeExecutor)(nil)
