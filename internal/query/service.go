// Package query implements the public query surface: execute_query and
// preview_table. It orchestrates the safety gate, the circuit breaker and
// the executor, enforces per-call timeouts and bounds result size.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"snowscope/internal/circuit"
	"snowscope/internal/config"
	"snowscope/internal/executor"
	"snowscope/internal/logging"
	"snowscope/internal/safety"
	"snowscope/internal/snowerr"
)

// Result is the shaped output of a query tool call.
type Result struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	RowCount  int             `json:"row_count"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Request is a single execute_query invocation.
type Request struct {
	Statement string

	// Session overrides for this call.
	Session executor.Session

	// TimeoutSeconds, when non-nil, bounds the call. Must be 1..max.
	TimeoutSeconds *int

	// VerboseErrors includes the full cause chain in error messages.
	VerboseErrors bool
}

// Service is the query orchestrator.
type Service struct {
	gate    *safety.Gate
	breaker *circuit.Breaker
	ex      executor.Executor
	cfg     config.QueryConfig
}

// NewService wires the query pipeline.
func NewService(gate *safety.Gate, breaker *circuit.Breaker, ex executor.Executor, cfg config.QueryConfig) *Service {
	return &Service{gate: gate, breaker: breaker, ex: ex, cfg: cfg}
}

// ExecuteQuery validates, gates and runs a single statement.
func (s *Service) ExecuteQuery(ctx context.Context, req Request) (*Result, error) {
	statement := strings.TrimSpace(req.Statement)
	if statement == "" {
		return nil, snowerr.New(snowerr.CategoryInvalidArgs, "statement must not be empty").
			WithData("path", "statement")
	}

	timeout, err := s.resolveTimeout(req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	verdict := s.gate.Check(statement)
	logging.AuditSafety("", verdict.Category, verdict.Allowed, verdict.Reason)
	if err := verdict.Err(statement); err != nil {
		return nil, err
	}

	start := time.Now()
	value, err := s.breaker.Execute(func() (interface{}, error) {
		it, runErr := s.ex.Run(ctx, statement, executor.Options{
			Session: req.Session,
			Timeout: timeout,
		})
		if runErr != nil {
			return nil, runErr
		}
		cols, rows, collectErr := executor.Collect(it, s.cfg.MaxResultRows)
		if collectErr != nil {
			// Partial results on failure are discarded.
			return nil, collectErr
		}
		return &Result{
			Columns:   cols,
			Rows:      rows,
			RowCount:  len(rows),
			Truncated: s.cfg.MaxResultRows > 0 && len(rows) == s.cfg.MaxResultRows,
		}, nil
	})
	if err != nil {
		classified := snowerr.Classify(err).WithContext(snowerr.Context{
			Operation:  "execute_query",
			SQLPreview: safety.Preview(statement),
		})
		if req.VerboseErrors && classified.Err != nil {
			classified = classified.WithData("cause", classified.Err.Error())
		}
		logging.Query("execute_query failed (%s): %v", classified.Category, classified)
		return nil, classified
	}

	result := value.(*Result)
	result.ElapsedMs = time.Since(start).Milliseconds()
	logging.Query("execute_query returned %d rows in %dms", result.RowCount, result.ElapsedMs)
	return result, nil
}

// PreviewTable fetches the first rows of a table via a canonical
// SELECT * FROM <fqn> LIMIT <n>.
func (s *Service) PreviewTable(ctx context.Context, table string, limit int, session executor.Session) (*Result, error) {
	if strings.TrimSpace(table) == "" {
		return nil, snowerr.New(snowerr.CategoryInvalidArgs, "table_name must not be empty").
			WithData("path", "table_name")
	}
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > s.cfg.MaxPreviewRows {
		return nil, snowerr.New(snowerr.CategoryInvalidArgs,
			"limit must be between 1 and %d, got %d", s.cfg.MaxPreviewRows, limit).
			WithData("path", "limit")
	}

	fqn, err := QuoteTableName(table)
	if err != nil {
		return nil, err
	}

	statement := fmt.Sprintf("SELECT * FROM %s LIMIT %d", fqn, limit)
	return s.ExecuteQuery(ctx, Request{Statement: statement, Session: session})
}

// resolveTimeout applies defaults and bounds.
func (s *Service) resolveTimeout(seconds *int) (time.Duration, error) {
	if seconds == nil {
		return s.cfg.DefaultTimeout, nil
	}
	max := int(s.cfg.MaxTimeout / time.Second)
	if *seconds < 1 || *seconds > max {
		return 0, snowerr.New(snowerr.CategoryInvalidArgs,
			"timeout_seconds must be between 1 and %d, got %d", max, *seconds).
			WithData("path", "timeout_seconds")
	}
	return time.Duration(*seconds) * time.Second, nil
}

// QuoteTableName validates a possibly-qualified table name and quotes each
// part. Rejects anything that is not a plain dotted identifier chain.
func QuoteTableName(table string) (string, error) {
	parts := strings.Split(table, ".")
	if len(parts) > 3 {
		return "", snowerr.New(snowerr.CategoryInvalidArgs,
			"table_name has too many parts: %s", table).
			WithData("path", "table_name")
	}
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		wasQuoted := len(part) >= 2 && part[0] == '"' && part[len(part)-1] == '"'
		if wasQuoted {
			part = part[1 : len(part)-1]
		}
		if part == "" || strings.ContainsAny(part, "\";\n\r\000") {
			return "", snowerr.New(snowerr.CategoryInvalidArgs,
				"table_name contains an invalid identifier: %s", table).
				WithData("path", "table_name")
		}
		if !wasQuoted {
			if !isPlainIdent(part) {
				return "", snowerr.New(snowerr.CategoryInvalidArgs,
					"table_name contains an invalid identifier: %s", table).
					WithData("path", "table_name")
			}
			// Unquoted identifiers resolve uppercase in Snowflake.
			part = strings.ToUpper(part)
		}
		quoted = append(quoted, `"`+part+`"`)
	}
	return strings.Join(quoted, "."), nil
}

func isPlainIdent(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' || c == '$' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return len(s) > 0
}
