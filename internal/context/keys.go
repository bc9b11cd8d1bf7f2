// Package context This package contains context keys used throughout the dispatch stack
// This is a separate package that does not import any other packages
// It is separate so that the transport layers can read the values set by the
// data sources without importing them
package context

import "context"

type CurrentSubgraphContextKey struct{}
type RequestKindContextKey struct{}
type OperationTypeContextKey struct{}

func WithSubgraph(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, CurrentSubgraphContextKey{}, name)
}

// Subgraph returns the name of the subgraph the request is sent to, or "" if unknown.
func Subgraph(ctx context.Context) string {
	if v, ok := ctx.Value(CurrentSubgraphContextKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestKind stores the string value of the dispatch kind.
func WithRequestKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, RequestKindContextKey{}, kind)
}

func RequestKind(ctx context.Context) string {
	if v, ok := ctx.Value(RequestKindContextKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOperationType stores the type (query, mutation, subscription) of the subgraph operation.
func WithOperationType(ctx context.Context, opType string) context.Context {
	return context.WithValue(ctx, OperationTypeContextKey{}, opType)
}

// WithOperationTypeFunc defers resolving the operation type until a transport asks for it.
// resolve may be called more than once, wrap it in sync.OnceValue when it is expensive.
func WithOperationTypeFunc(ctx context.Context, resolve func() string) context.Context {
	return context.WithValue(ctx, OperationTypeContextKey{}, resolve)
}

func OperationType(ctx context.Context) string {
	switch v := ctx.Value(OperationTypeContextKey{}).(type) {
	case string:
		return v
	case func() string:
		return v()
	}
	return ""
}
