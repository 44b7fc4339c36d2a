package storage

import (
	"encoding/base64"
	"fmt"

	"github.com/dshills/insights-pipeline/pkg/types"
)

// EncodeCursor turns the last scanned id into an opaque cursor
func EncodeCursor(lastID string) string {
	if lastID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

// DecodeCursor returns the id a cursor points after. The empty cursor is the start.
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) == 0 {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidCursor, cursor)
	}
	return string(b), nil
}
