package executor

import (
	"context"
	"io"
	"regexp"
	"sync"
)

// FakeResult is a canned result for a Fake executor rule.
type FakeResult struct {
	Columns []string
	Rows    [][]interface{}
	Err     error
}

// fakeRule matches statements by regexp.
type fakeRule struct {
	pattern *regexp.Regexp
	result  FakeResult
}

// Fake is an in-memory Executor for tests. Statements are matched against
// registered regexp rules in registration order; the first match wins.
// Unmatched statements return an empty result set.
type Fake struct {
	mu    sync.Mutex
	rules []fakeRule

	// Calls records every executed statement, in order.
	Calls []string

	// Sessions records the session overrides seen per call.
	Sessions []Session

	// PingErr is returned by Ping.
	PingErr error

	// Blocking, when non-nil, is closed by the test to release Run calls
	// whose statement matches BlockPattern.
	Blocking     chan struct{}
	BlockPattern *regexp.Regexp
}

// NewFake creates an empty fake executor.
func NewFake() *Fake { return &Fake{} }

// Stub registers a canned result for statements matching pattern
// (case-insensitive).
func (f *Fake) Stub(pattern string, result FakeResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{
		pattern: regexp.MustCompile("(?is)" + pattern),
		result:  result,
	})
	return f
}

// StubRows is Stub for a successful result given as columns plus rows.
func (f *Fake) StubRows(pattern string, columns []string, rows [][]interface{}) *Fake {
	return f.Stub(pattern, FakeResult{Columns: columns, Rows: rows})
}

// StubErr registers an error for statements matching pattern.
func (f *Fake) StubErr(pattern string, err error) *Fake {
	return f.Stub(pattern, FakeResult{Err: err})
}

// Run implements Executor.
func (f *Fake) Run(ctx context.Context, statement string, opts Options) (RowIterator, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, statement)
	f.Sessions = append(f.Sessions, opts.Session)
	rules := make([]fakeRule, len(f.rules))
	copy(rules, f.rules)
	blocking, blockPattern := f.Blocking, f.BlockPattern
	f.mu.Unlock()

	if blocking != nil && blockPattern != nil && blockPattern.MatchString(statement) {
		select {
		case <-blocking:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if rule.pattern.MatchString(statement) {
			if rule.result.Err != nil {
				return nil, rule.result.Err
			}
			return newFakeIterator(rule.result), nil
		}
	}
	return newFakeIterator(FakeResult{}), nil
}

// Ping implements Executor.
func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

// Close implements Executor.
func (f *Fake) Close() error { return nil }

// CallCount returns how many statements were executed.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

type fakeIterator struct {
	result FakeResult
	pos    int
	closed bool
}

func newFakeIterator(result FakeResult) *fakeIterator {
	return &fakeIterator{result: result}
}

func (it *fakeIterator) Columns() []string { return it.result.Columns }

func (it *fakeIterator) Next() ([]interface{}, error) {
	if it.closed || it.pos >= len(it.result.Rows) {
		return nil, io.EOF
	}
	row := it.result.Rows[it.pos]
	it.pos++
	return row, nil
}

func (it *fakeIterator) Close() error {
	it.closed = true
	return nil
}

// Ensure interface conformance.
var _ Executor = (*Fake)(nil)
