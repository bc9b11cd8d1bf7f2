package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Middleware decorates a DataSource. A middleware may observe a dispatch but
// must not change whether it succeeds, unless that is its sole purpose
// (timeouts, panic recovery).
type Middleware func(next DataSource) DataSource

// Chain wraps ds with mws. The first middleware is the outermost.
func Chain(ds DataSource, mws ...Middleware) DataSource {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		ds = mws[i](ds)
	}
	return ds
}

// WithLogging logs every dispatch at debug level and dispatch failures at error level.
func WithLogging(logger *zap.Logger, subgraph string) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next DataSource) DataSource {
		return Func(func(ctx context.Context, opts ProcessOptions) (*Response, error) {
			start := time.Now()
			resp, err := next.Process(ctx, opts)

			fields := []zap.Field{
				zap.String("subgraph_name", subgraph),
				zap.Stringer("request_kind", kindOf(opts)),
				zap.Duration("latency", time.Since(start)),
			}

			switch {
			case err == nil:
				logger.Debug("Subgraph request processed", append(fields, zap.Int("graphql_errors", len(resp.errorsOrNil())))...)
			case errors.Is(err, context.Canceled):
				logger.Debug("Subgraph request canceled", fields...)
			default:
				logger.Error("Subgraph request failed", append(fields, zap.Error(err))...)
			}

			return resp, err
		})
	}
}

// WithRecover turns a panic inside the wrapped DataSource into a *DispatchError
// wrapping ErrDataSourcePanic.
func WithRecover(subgraph string) Middleware {
	return func(next DataSource) DataSource {
		return Func(func(ctx context.Context, opts ProcessOptions) (resp *Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = nil
					err = &DispatchError{
						Subgraph: subgraph,
						Kind:     kindOf(opts),
						Err:      fmt.Errorf("%w: %v", ErrDataSourcePanic, r),
					}
				}
			}()
			return next.Process(ctx, opts)
		})
	}
}

// WithTimeout bounds every dispatch of the given kinds. Kinds without an entry
// or with a non-positive duration are not bounded.
func WithTimeout(timeouts map[RequestKind]time.Duration) Middleware {
	return func(next DataSource) DataSource {
		return Func(func(ctx context.Context, opts ProcessOptions) (*Response, error) {
			if opts != nil {
				if timeout := timeouts[opts.Kind()]; timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
			}
			return next.Process(ctx, opts)
		})
	}
}

func kindOf(opts ProcessOptions) RequestKind {
	if opts == nil {
		return 0
	}
	return opts.Kind()
}

func (r *Response) errorsOrNil() []GraphQLError {
	if r == nil {
		return nil
	}
	return r.Errors
}
