package server

import (
	"context"

	"snowscope/internal/circuit"
	"snowscope/internal/executor"
)

// breakeredExecutor routes every executor call through the process-wide
// circuit breaker so catalog builds share breaker state with the query
// service.
type breakeredExecutor struct {
	ex executor.Executor
	br *circuit.Breaker
}

func (b *breakeredExecutor) Run(ctx context.Context, statement string, opts executor.Options) (executor.RowIterator, error) {
	value, err := b.br.Execute(func() (interface{}, error) {
		return b.ex.Run(ctx, statement, opts)
	})
	if err != nil {
		return nil, err
	}
	return value.(executor.RowIterator), nil
}

func (b *breakeredExecutor) Ping(ctx context.Context) error {
	_, err := b.br.Execute(func() (interface{}, error) {
		return nil, b.ex.Ping(ctx)
	})
	return err
}

func (b *breakeredExecutor) Close() error { return b.ex.Close() }

// Ensure interface conformance.
var _ executor.Executor = (*breakeredExecutor)(nil)
