// Package safety implements the SQL safety gate.
//
// Every statement headed for Snowflake passes through Check first. The gate
// classifies the statement via the parser capability and denies anything
// destructive, stacked, or unparseable. It never mutates the statement.
package safety

import (
	"strings"

	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
	"snowscope/internal/sqlparse"
)

// Verdict is the allow/deny decision over a single statement.
type Verdict struct {
	Allowed      bool     `json:"allowed"`
	Category     string   `json:"category"`
	Reason       string   `json:"reason,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Verdict categories beyond the parser's statement kinds.
const (
	CategoryMulti     = "multi"
	CategoryInjection = "injection_suspected"
)

// Gate validates statements before execution.
type Gate struct {
	parser sqlparse.Parser
}

// NewGate creates a Gate over the given parser capability.
func NewGate(parser sqlparse.Parser) *Gate {
	return &Gate{parser: parser}
}

// alternatives maps a denied leading keyword to safer suggestions.
var alternatives = map[string][]string{
	"DROP": {
		"CREATE OR REPLACE instead of DROP+CREATE",
		"Rename the object aside instead of dropping it",
	},
	"DELETE": {
		"soft-delete via UPDATE ... SET deleted_at = CURRENT_TIMESTAMP()",
		"Preview the affected rows with a SELECT using the same WHERE clause",
	},
	"TRUNCATE": {
		"DELETE with a WHERE clause, applied through your change pipeline",
		"CREATE TABLE ... AS SELECT to keep a copy before clearing",
	},
	"INSERT": {
		"This server is read-only; run writes through a writable connection",
	},
	"UPDATE": {
		"soft-delete via UPDATE deleted_at belongs in your change pipeline, not this server",
		"Preview the affected rows with a SELECT using the same WHERE clause",
	},
	"MERGE": {
		"This server is read-only; run MERGE through a writable connection",
	},
	"ALTER": {
		"Submit DDL through your schema-change pipeline",
	},
	"CREATE": {
		"Submit DDL through your schema-change pipeline",
	},
}

// Check classifies the statement and returns a verdict. The statement is
// never modified.
func (g *Gate) Check(statement string) Verdict {
	result, err := g.parser.Parse(statement)
	if err != nil {
		logging.Safety("deny unparseable statement: %v", err)
		return Verdict{
			Allowed:  false,
			Category: CategoryInjection,
			Reason:   "statement could not be parsed: " + err.Error(),
		}
	}

	// Rule 1: stacked queries.
	if len(result.Statements) > 1 {
		logging.Safety("deny stacked statements (%d)", len(result.Statements))
		return Verdict{
			Allowed:  false,
			Category: CategoryMulti,
			Reason:   "multiple statements in a single call are not allowed",
		}
	}

	// Rule 2: a comment hiding a trailing statement.
	if result.CommentTail {
		logging.Safety("deny comment-hidden statement")
		return Verdict{
			Allowed:  false,
			Category: CategoryInjection,
			Reason:   "a comment conceals a trailing statement",
		}
	}

	// Rule 3: destructive DDL/DML.
	switch result.Kind {
	case sqlparse.KindDDL, sqlparse.KindDML:
		keyword := leadingKeyword(result.Statements[0])
		v := Verdict{
			Allowed:      false,
			Category:     string(result.Kind),
			Reason:       keyword + " statements are blocked on this server",
			Alternatives: alternatives[keyword],
		}
		logging.Safety("deny %s (%s)", keyword, result.Kind)
		return v
	}

	// Rule 4: the readable family.
	switch result.Kind {
	case sqlparse.KindSelect, sqlparse.KindShow, sqlparse.KindDescribe,
		sqlparse.KindExplain, sqlparse.KindCTE:
		return Verdict{Allowed: true, Category: string(result.Kind)}
	}

	// Rule 5: anything else is suspect.
	logging.Safety("deny unknown statement kind")
	return Verdict{
		Allowed:  false,
		Category: CategoryInjection,
		Reason:   "statement kind could not be classified",
	}
}

// Err converts a denial into the taxonomy error surfaced to callers.
// Returns nil for an allowed verdict.
func (v Verdict) Err(statement string) error {
	if v.Allowed {
		return nil
	}
	e := snowerr.New(snowerr.CategorySQLSafety, "statement blocked: %s", v.Reason).
		WithContext(snowerr.Context{SQLPreview: Preview(statement)}).
		WithData("category", v.Category)
	if len(v.Alternatives) > 0 {
		e = e.WithData("alternatives", v.Alternatives).
			WithSuggestions(v.Alternatives...)
	}
	return e
}

// Preview truncates a statement for error context.
func Preview(statement string) string {
	s := strings.Join(strings.Fields(statement), " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}

func leadingKeyword(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
