// Package sqlparse provides the SQL parsing capability used by the safety
// gate and the lineage engine.
//
// The default implementation wraps xwb1989/sqlparser for statement splitting
// and AST-level table extraction, with a lexical fallback for Snowflake
// constructs the MySQL-dialect grammar rejects (three-part names, dynamic
// tables, SHOW variants). Callers depend only on the Parser interface.
package sqlparse

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xwb1989/sqlparser"
)

// StatementKind is the top-level classification of a statement.
type StatementKind string

const (
	KindSelect   StatementKind = "select"
	KindShow     StatementKind = "show"
	KindDescribe StatementKind = "describe"
	KindExplain  StatementKind = "explain"
	KindCTE      StatementKind = "cte"
	KindDDL      StatementKind = "ddl"
	KindDML      StatementKind = "dml"
	KindUnknown  StatementKind = "unknown"
)

// ObjectName is a possibly-partial dotted object reference found in SQL.
type ObjectName struct {
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Name     string `json:"name"`
}

// String renders the reference in canonical dotted form.
func (o ObjectName) String() string {
	switch {
	case o.Database != "" && o.Schema != "":
		return o.Database + "." + o.Schema + "." + o.Name
	case o.Schema != "":
		return o.Schema + "." + o.Name
	default:
		return o.Name
	}
}

// Result is the outcome of parsing a statement.
type Result struct {
	// Kind classifies the first top-level statement.
	Kind StatementKind

	// Statements holds each top-level statement, comments stripped.
	Statements []string

	// Referenced lists objects the statement reads from.
	Referenced []ObjectName

	// CommentTail is true when a line comment hides a trailing statement
	// (the classic "-- comment \n DROP ..." stacking shape).
	CommentTail bool
}

// Parser is the abstract parsing capability.
type Parser interface {
	Parse(statement string) (*Result, error)
}

// SQLParser is the default Parser implementation.
type SQLParser struct{}

// New returns the default parser.
func New() *SQLParser { return &SQLParser{} }

// Parse splits, classifies and extracts referenced objects from a statement.
// A statement that cannot be understood at all yields KindUnknown with a nil
// error; a hard error is returned only for empty or comment-only input.
func (p *SQLParser) Parse(statement string) (*Result, error) {
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" {
		return nil, fmt.Errorf("empty statement")
	}

	pieces, err := sqlparser.SplitStatementToPieces(trimmed)
	if err != nil {
		// Splitting is lexical; a failure here means badly broken input.
		pieces = []string{trimmed}
	}

	result := &Result{CommentTail: hasCommentHiddenStatement(trimmed)}
	for _, piece := range pieces {
		clean := strings.TrimSpace(stripComments(piece))
		if clean == "" {
			continue
		}
		result.Statements = append(result.Statements, clean)
	}
	if len(result.Statements) == 0 {
		return nil, fmt.Errorf("statement contains only comments")
	}

	first := result.Statements[0]
	result.Kind = classify(first)

	switch result.Kind {
	case KindSelect, KindCTE:
		result.Referenced = p.extractReferences(first)
	}
	return result, nil
}

// classify determines the statement kind from the leading keyword, using the
// AST for the select family when the dialect permits.
func classify(stmt string) StatementKind {
	word := firstKeyword(stmt)
	switch word {
	case "SELECT":
		return KindSelect
	case "WITH":
		// CTE over a SELECT stays readable; CTE over DML is DML.
		if kw := keywordAfterCTE(stmt); kw != "" && kw != "SELECT" {
			return KindDML
		}
		return KindCTE
	case "SHOW":
		return KindShow
	case "DESCRIBE", "DESC":
		return KindDescribe
	case "EXPLAIN":
		return KindExplain
	case "CREATE", "DROP", "ALTER", "TRUNCATE", "COMMENT", "UNDROP", "GRANT", "REVOKE":
		return KindDDL
	case "INSERT", "UPDATE", "DELETE", "MERGE", "COPY", "PUT", "REMOVE", "CALL":
		return KindDML
	case "":
		return KindUnknown
	}

	// Fall back to the AST for anything the keyword table missed.
	ast, err := sqlparser.Parse(stmt)
	if err != nil {
		return KindUnknown
	}
	switch ast.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		return KindSelect
	case *sqlparser.Show:
		return KindShow
	case *sqlparser.OtherRead:
		return KindDescribe
	case *sqlparser.Insert, *sqlparser.Update, *sqlparser.Delete:
		return KindDML
	case *sqlparser.DDL, *sqlparser.DBDDL:
		return KindDDL
	default:
		return KindUnknown
	}
}

// extractReferences returns the objects a readable statement selects from.
// AST extraction is attempted first; Snowflake-specific syntax falls back to
// a lexical FROM/JOIN scan.
func (p *SQLParser) extractReferences(stmt string) []ObjectName {
	refs := extractFromAST(stmt)
	if refs == nil {
		refs = extractLexical(stmt)
	}

	// CTE names are scoped to the statement, not catalog objects.
	ctes := cteNames(stmt)
	if len(ctes) == 0 {
		return refs
	}
	filtered := refs[:0]
	for _, ref := range refs {
		if ref.Database == "" && ref.Schema == "" && ctes[strings.ToUpper(ref.Name)] {
			continue
		}
		filtered = append(filtered, ref)
	}
	return filtered
}

// cteNames returns the uppercased names bound by a leading WITH clause.
func cteNames(stmt string) map[string]bool {
	tokens := tokenize(stmt)
	if len(tokens) == 0 || strings.ToUpper(tokens[0]) != "WITH" {
		return nil
	}
	names := make(map[string]bool)
	depth := 0
	for i := 1; i < len(tokens)-1; i++ {
		switch tokens[i] {
		case "(":
			depth++
		case ")":
			depth--
		default:
			if depth != 0 || !isIdentToken(tokens[i]) {
				continue
			}
			// The WITH list ends where the main statement begins.
			switch strings.ToUpper(tokens[i]) {
			case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
				return names
			}
			if strings.ToUpper(tokens[i+1]) == "AS" {
				names[strings.ToUpper(unquoteIdent(tokens[i]))] = true
			}
		}
	}
	return names
}

func extractFromAST(stmt string) []ObjectName {
	ast, err := sqlparser.Parse(stmt)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var refs []ObjectName
	// Only FROM-clause table expressions count; walking every TableName
	// would also pick up column qualifiers and aliases.
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		ate, ok := node.(*sqlparser.AliasedTableExpr)
		if !ok {
			return true, nil
		}
		tn, ok := ate.Expr.(sqlparser.TableName)
		if !ok || tn.Name.IsEmpty() {
			return true, nil
		}
		ref := ObjectName{Schema: tn.Qualifier.String(), Name: tn.Name.String()}
		key := strings.ToUpper(ref.String())
		if !seen[key] {
			seen[key] = true
			refs = append(refs, ref)
		}
		return true, nil
	}, ast)
	return refs
}

// extractLexical scans for dotted identifiers after FROM and JOIN keywords.
// It understands quoted identifiers and up-to-three-part names, and skips
// subquery parentheses so only real object references surface.
func extractLexical(stmt string) []ObjectName {
	tokens := tokenize(stmt)
	seen := make(map[string]bool)
	var refs []ObjectName

	for i := 0; i < len(tokens); i++ {
		upper := strings.ToUpper(tokens[i])
		if upper != "FROM" && upper != "JOIN" {
			continue
		}
		j := i + 1
		for j < len(tokens) {
			if tokens[j] == "(" {
				// Subquery; its FROM clauses are found by the outer scan.
				break
			}
			ref, next := readDottedName(tokens, j)
			if ref == nil {
				break
			}
			key := strings.ToUpper(ref.String())
			if !seen[key] {
				seen[key] = true
				refs = append(refs, *ref)
			}
			j = next
			// Comma-separated table lists in a FROM clause.
			// Skip an optional alias first.
			if j < len(tokens) && isIdentToken(tokens[j]) && !isKeyword(tokens[j]) {
				j++
			}
			if j < len(tokens) && tokens[j] == "," {
				j++
				continue
			}
			break
		}
	}
	return refs
}

// readDottedName reads an up-to-three-part dotted identifier starting at
// index i. Returns nil when tokens[i] is not an identifier.
func readDottedName(tokens []string, i int) (*ObjectName, int) {
	var parts []string
	for i < len(tokens) && len(parts) < 3 {
		if !isIdentToken(tokens[i]) || isKeyword(tokens[i]) {
			break
		}
		parts = append(parts, unquoteIdent(tokens[i]))
		i++
		if i < len(tokens) && tokens[i] == "." {
			i++
			continue
		}
		break
	}
	if len(parts) == 0 {
		return nil, i
	}
	ref := &ObjectName{Name: parts[len(parts)-1]}
	if len(parts) >= 2 {
		ref.Schema = parts[len(parts)-2]
	}
	if len(parts) == 3 {
		ref.Database = parts[0]
	}
	return ref, i
}

// firstKeyword returns the first bare word of a statement, uppercased.
func firstKeyword(stmt string) string {
	for _, tok := range tokenize(stmt) {
		if isIdentToken(tok) {
			return strings.ToUpper(tok)
		}
		if tok == "(" {
			continue
		}
		break
	}
	return ""
}

// keywordAfterCTE finds the statement keyword following the final CTE body,
// so "WITH x AS (...) DELETE ..." classifies as DML.
func keywordAfterCTE(stmt string) string {
	tokens := tokenize(stmt)
	depth := 0
	sawParen := false
	for i := 1; i < len(tokens); i++ {
		switch tokens[i] {
		case "(":
			depth++
			sawParen = true
		case ")":
			depth--
		case ",":
			// Next CTE in the WITH list.
		default:
			if depth == 0 && sawParen && isIdentToken(tokens[i]) {
				up := strings.ToUpper(tokens[i])
				switch up {
				case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
					return up
				}
			}
		}
	}
	return ""
}

// hasCommentHiddenStatement detects a line comment whose following line
// starts another statement keyword - a common injection shape.
func hasCommentHiddenStatement(stmt string) bool {
	lines := strings.Split(stmt, "\n")
	for i, line := range lines {
		idx := strings.Index(line, "--")
		if idx < 0 {
			continue
		}
		for _, rest := range lines[i+1:] {
			kw := firstKeyword(rest)
			if kw == "" {
				continue
			}
			switch kw {
			case "DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT", "UPDATE", "MERGE", "GRANT", "REVOKE":
				return true
			}
			break
		}
	}
	return false
}

// stripComments removes -- line comments and /* */ block comments.
func stripComments(stmt string) string {
	var b strings.Builder
	i := 0
	inSingle, inDouble := false, false
	for i < len(stmt) {
		c := stmt[i]
		switch {
		case inSingle:
			b.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
			i++
		case inDouble:
			b.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
			i++
		case c == '\'':
			inSingle = true
			b.WriteByte(c)
			i++
		case c == '"':
			inDouble = true
			b.WriteByte(c)
			i++
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			for i < len(stmt) && stmt[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			i += 2
			for i+1 < len(stmt) && !(stmt[i] == '*' && stmt[i+1] == '/') {
				i++
			}
			i += 2
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// tokenize splits a statement into identifiers, quoted identifiers, string
// literals, and single-character punctuation.
func tokenize(stmt string) []string {
	stmt = stripComments(stmt)
	var tokens []string
	i := 0
	for i < len(stmt) {
		c := rune(stmt[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '"':
			j := i + 1
			for j < len(stmt) && stmt[j] != '"' {
				j++
			}
			if j < len(stmt) {
				j++
			}
			tokens = append(tokens, stmt[i:j])
			i = j
		case c == '\'':
			j := i + 1
			for j < len(stmt) && stmt[j] != '\'' {
				j++
			}
			if j < len(stmt) {
				j++
			}
			tokens = append(tokens, stmt[i:j])
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(stmt) && (isIdentByte(stmt[j])) {
				j++
			}
			tokens = append(tokens, stmt[i:j])
			i = j
		case unicode.IsDigit(c):
			j := i
			for j < len(stmt) && (unicode.IsDigit(rune(stmt[j])) || stmt[j] == '.') {
				j++
			}
			tokens = append(tokens, stmt[i:j])
			i = j
		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isIdentToken(tok string) bool {
	if tok == "" {
		return false
	}
	if tok[0] == '"' {
		return true
	}
	c := tok[0]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func unquoteIdent(tok string) string {
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return tok[1 : len(tok)-1]
	}
	return tok
}

// sqlKeywords are words that terminate a dotted-name scan.
var sqlKeywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true, "ON": true,
	"LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true, "FULL": true,
	"CROSS": true, "GROUP": true, "ORDER": true, "BY": true, "HAVING": true,
	"LIMIT": true, "UNION": true, "ALL": true, "AS": true, "WITH": true,
	"AND": true, "OR": true, "NOT": true, "USING": true, "LATERAL": true,
	"QUALIFY": true, "SAMPLE": true, "PIVOT": true, "UNPIVOT": true,
}

func isKeyword(tok string) bool {
	return sqlKeywords[strings.ToUpper(tok)]
}

// Ensure SQLParser implements Parser.
var _ Parser = (*SQLParser)(nil)
