package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const maxAttributeLength = 256

// SafeAttributes drops empty keys and clips long string values so uploaded
// cell content never ends up verbatim in a span.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if strings.TrimSpace(string(attr.Key)) == "" {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			attr = attr.Key.String(clip(attr.Value.AsString()))
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error carrying only a clipped message.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(clip(err.Error()))
}

func clip(value string) string {
	if len(value) <= maxAttributeLength {
		return value
	}
	return value[:maxAttributeLength]
}
