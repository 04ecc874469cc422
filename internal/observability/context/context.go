package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type datasetKey struct{}

// WithRequestID stores the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithDataset tags the context with the dataset being processed.
func WithDataset(ctx context.Context, dataset string) context.Context {
	dataset = strings.TrimSpace(dataset)
	if dataset == "" {
		return ctx
	}
	return context.WithValue(ctx, datasetKey{}, dataset)
}

func DatasetFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(datasetKey{}).(string)
	return value
}
