package task

import (
	"encoding/base64"
	"strings"
	"time"

	"mend/internal/faults"
)

// EncodeCursor packs an (updated-at, task-id) position into an opaque string.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", faults.New(faults.KindValidation, "bad cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", faults.New(faults.KindValidation, "bad cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", faults.New(faults.KindValidation, "bad cursor")
	}
	return ts, parts[1], nil
}
