package processor

import (
	"time"

	"github.com/dshills/insights-pipeline/internal/search"
)

// Shaper turns a canonical document body into the form a dialect stores.
// Canonical bodies hold nested maps, slices and time.Time values.
type Shaper interface {
	Dialect() search.Dialect
	Shape(body map[string]any, text string) map[string]any
}

// ShaperFor returns the shaper of a dialect
func ShaperFor(d search.Dialect) Shaper {
	if d == search.DialectSurreal {
		return surrealShaper{}
	}
	return sqliteShaper{}
}

// sqliteShaper flattens nested objects to dotted keys, stores times as
// epoch milliseconds and adds the full-text field
type sqliteShaper struct{}

func (sqliteShaper) Dialect() search.Dialect { return search.DialectSQLite }

func (sqliteShaper) Shape(body map[string]any, text string) map[string]any {
	out := make(map[string]any, len(body)+1)
	flatten(out, "", body)
	if text != "" {
		out[search.TextField] = text
	}
	return out
}

func flatten(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(out, key, nested)
			continue
		}
		out[key] = convert(v, epochMillis)
	}
}

// surrealShaper keeps objects nested and renders times as RFC 3339
type surrealShaper struct{}

func (surrealShaper) Dialect() search.Dialect { return search.DialectSurreal }

func (surrealShaper) Shape(body map[string]any, _ string) map[string]any {
	out, _ := convert(body, rfc3339).(map[string]any)
	return out
}

func epochMillis(t time.Time) any { return t.UnixMilli() }

func rfc3339(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) }

// convert copies v, rewriting every time value with conv
func convert(v any, conv func(time.Time) any) any {
	switch x := v.(type) {
	case time.Time:
		return conv(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return conv(*x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = convert(e, conv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = convert(e, conv)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = convert(e, conv)
		}
		return out
	default:
		return v
	}
}
