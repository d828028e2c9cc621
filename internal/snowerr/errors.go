// Package snowerr defines the structured error taxonomy for snowscope.
//
// Every error that crosses a tool boundary is an *Error carrying a category,
// a stable wire code, a context record and actionable suggestions. Raw
// executor errors are classified here; nothing upstream inspects driver
// error strings.
package snowerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/snowflakedb/gosnowflake"
)

// Category classifies an error for retry policy and wire translation.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryTimeout        Category = "timeout"
	CategoryConfiguration  Category = "configuration"
	CategoryProfile        Category = "profile"
	CategoryResource       Category = "resource"
	CategorySQLSafety      Category = "sql_safety"
	CategoryInvalidArgs    Category = "invalid_arguments"
	CategoryNotFound       Category = "not_found"
	CategoryAmbiguous      Category = "ambiguous"
	CategoryUnknown        Category = "unknown"
)

// JSON-RPC wire codes for the error envelope.
const (
	CodeConfiguration       = -32001
	CodeConnection          = -32002
	CodeAuthentication      = -32003
	CodeProfile             = -32004
	CodeResourceUnavailable = -32005
	CodeSQLSafety           = -32010
	CodeInvalidArguments    = -32011
	CodeTimeout             = -32012
	CodeNotFound            = -32013
	CodeInternal            = -32603
)

// Context carries structured context attached to a classified error.
type Context struct {
	Operation  string `json:"operation,omitempty"`
	Object     string `json:"object,omitempty"`
	Profile    string `json:"profile,omitempty"`
	SQLPreview string `json:"sql_preview,omitempty"`
}

// Error is the structured error type crossing every tool boundary.
type Error struct {
	Category    Category               `json:"category"`
	Message     string                 `json:"message"`
	Context     Context                `json:"context,omitempty"`
	Suggestions []string               `json:"suggestions,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`

	// Wrapped cause, not serialized.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable wire code for the error's category.
func (e *Error) Code() int {
	switch e.Category {
	case CategoryConfiguration:
		return CodeConfiguration
	case CategoryConnection:
		return CodeConnection
	case CategoryAuthentication:
		return CodeAuthentication
	case CategoryProfile:
		return CodeProfile
	case CategoryResource:
		return CodeResourceUnavailable
	case CategorySQLSafety:
		return CodeSQLSafety
	case CategoryInvalidArgs:
		return CodeInvalidArguments
	case CategoryTimeout:
		return CodeTimeout
	case CategoryNotFound, CategoryAmbiguous:
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Retriable reports whether a higher layer may retry the operation.
// Timeout is always retriable; Connection is retried via the breaker.
// Authentication, Profile and Configuration are never retried.
func (e *Error) Retriable() bool {
	switch e.Category {
	case CategoryTimeout, CategoryConnection:
		return true
	default:
		return false
	}
}

// WithContext returns the error with the given context record attached.
func (e *Error) WithContext(ctx Context) *Error {
	e.Context = ctx
	return e
}

// WithSuggestions appends suggestions to the error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithData sets a structured payload field on the error.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// New creates a categorized error.
func New(category Category, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a categorized error wrapping a cause.
func Wrap(category Category, err error, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CategoryOf returns the category of an error, CategoryUnknown for
// unclassified errors and "" for nil.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	if e := As(err); e != nil {
		return e.Category
	}
	return CategoryUnknown
}

// Snowflake error numbers with well-known meanings. Everything else falls
// back to message-text heuristics.
const (
	sfIncorrectUsernamePassword = 390100
	sfJWTTokenInvalid           = 390144
	sfSessionNoLongerExists     = 390111
	sfObjectDoesNotExist        = 2043
	sfInsufficientPrivileges    = 3001
	sfStatementTimedOut         = 604
)

// Classify converts a raw executor/driver error into a categorized *Error.
// Already-classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e := As(err); e != nil {
		return e
	}

	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		return classifySnowflake(sfErr, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return Wrap(CategoryTimeout, err, "operation timed out").
			WithSuggestions("Increase timeout_seconds, or narrow the query")
	case strings.Contains(msg, "context canceled"):
		return Wrap(CategoryTimeout, err, "operation canceled")
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "dial tcp"),
		strings.Contains(msg, "eof"):
		return Wrap(CategoryConnection, err, "could not reach Snowflake").
			WithSuggestions("Check network connectivity and the account identifier")
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "incorrect username or password"),
		strings.Contains(msg, "jwt"):
		return Wrap(CategoryAuthentication, err, "Snowflake rejected the credentials").
			WithSuggestions("Verify user and authenticator settings in the profile")
	case strings.Contains(msg, "does not exist"):
		return Wrap(CategoryNotFound, err, "object does not exist or is not authorized")
	case strings.Contains(msg, "insufficient privileges"),
		strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "access denied"):
		return Wrap(CategoryPermission, err, "role lacks a required privilege").
			WithSuggestions("GRANT the missing privilege to the active role, or switch roles")
	default:
		return Wrap(CategoryUnknown, err, "unexpected error")
	}
}

func classifySnowflake(sfErr *gosnowflake.SnowflakeError, cause error) *Error {
	switch sfErr.Number {
	case sfIncorrectUsernamePassword, sfJWTTokenInvalid:
		return Wrap(CategoryAuthentication, cause, "Snowflake rejected the credentials (code %d)", sfErr.Number).
			WithSuggestions("Verify user and authenticator settings in the profile")
	case sfSessionNoLongerExists:
		return Wrap(CategoryConnection, cause, "Snowflake session expired (code %d)", sfErr.Number).
			WithSuggestions("The next call will open a fresh session")
	case sfInsufficientPrivileges:
		return Wrap(CategoryPermission, cause, "role lacks a required privilege (code %d)", sfErr.Number).
			WithSuggestions(fmt.Sprintf("GRANT the privilege referenced by: %s", sfErr.Message))
	case sfObjectDoesNotExist:
		return Wrap(CategoryNotFound, cause, "object does not exist or is not authorized (code %d)", sfErr.Number)
	case sfStatementTimedOut:
		return Wrap(CategoryTimeout, cause, "statement timed out on the server (code %d)", sfErr.Number)
	}

	msg := strings.ToLower(sfErr.Message)
	switch {
	case strings.Contains(msg, "insufficient privileges"), strings.Contains(msg, "not authorized"):
		return Wrap(CategoryPermission, cause, "role lacks a required privilege (code %d)", sfErr.Number)
	case strings.Contains(msg, "does not exist"):
		return Wrap(CategoryNotFound, cause, "object does not exist or is not authorized (code %d)", sfErr.Number)
	default:
		return Wrap(CategoryUnknown, cause, "Snowflake error %d", sfErr.Number)
	}
}
