package metric

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// NoopStore is used when metrics are disabled to avoid nil checks.
type NoopStore struct{}

func (NoopStore) MeasureDispatch(context.Context, time.Duration, ...attribute.KeyValue) {}

func (NoopStore) MeasureDispatchError(context.Context, ...attribute.KeyValue) {}

func (NoopStore) MeasureConnectionAcquireDuration(context.Context, time.Duration, ...attribute.KeyValue) {
}
