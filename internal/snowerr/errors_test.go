package snowerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNil(t *testing.T) {
	require.Nil(t, Classify(nil))
}

func TestClassifyPassthrough(t *testing.T) {
	orig := New(CategorySQLSafety, "denied")
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	require.Same(t, orig, got)
}

func TestClassifyTextHeuristics(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"canceled", context.Canceled, CategoryTimeout},
		{"refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), CategoryConnection},
		{"no host", errors.New("lookup xy12345.snowflakecomputing.com: no such host"), CategoryConnection},
		{"auth", errors.New("390100: Incorrect username or password was specified"), CategoryAuthentication},
		{"privilege", errors.New("SQL access control error: Insufficient privileges to operate on table 'T'"), CategoryPermission},
		{"missing", errors.New("Object 'DB.S.T' does not exist or not authorized"), CategoryNotFound},
		{"other", errors.New("something odd"), CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.Equal(t, tc.want, got.Category)
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestClassifySnowflakeNumbers(t *testing.T) {
	cases := []struct {
		number int
		want   Category
	}{
		{390100, CategoryAuthentication},
		{390144, CategoryAuthentication},
		{390111, CategoryConnection},
		{3001, CategoryPermission},
		{2043, CategoryNotFound},
		{604, CategoryTimeout},
	}
	for _, tc := range cases {
		err := &gosnowflake.SnowflakeError{Number: tc.number, Message: "x"}
		got := Classify(err)
		assert.Equal(t, tc.want, got.Category, "number %d", tc.number)
	}
}

func TestWireCodes(t *testing.T) {
	cases := map[Category]int{
		CategoryConfiguration:  -32001,
		CategoryConnection:     -32002,
		CategoryAuthentication: -32003,
		CategoryProfile:        -32004,
		CategoryResource:       -32005,
		CategorySQLSafety:      -32010,
		CategoryInvalidArgs:    -32011,
		CategoryTimeout:        -32012,
		CategoryNotFound:       -32013,
		CategoryAmbiguous:      -32013,
		CategoryUnknown:        -32603,
	}
	for cat, code := range cases {
		assert.Equal(t, code, New(cat, "x").Code(), "category %s", cat)
	}
}

func TestRetriable(t *testing.T) {
	assert.True(t, New(CategoryTimeout, "x").Retriable())
	assert.True(t, New(CategoryConnection, "x").Retriable())
	assert.False(t, New(CategoryAuthentication, "x").Retriable())
	assert.False(t, New(CategoryProfile, "x").Retriable())
	assert.False(t, New(CategoryConfiguration, "x").Retriable())
	assert.False(t, New(CategoryPermission, "x").Retriable())
}

func TestWithDataAndContext(t *testing.T) {
	e := New(CategoryResource, "catalog unavailable").
		WithContext(Context{Operation: "query_lineage"}).
		WithData("missing_dependencies", []string{"catalog"})

	assert.Equal(t, "query_lineage", e.Context.Operation)
	assert.Equal(t, []string{"catalog"}, e.Data["missing_dependencies"])
}
