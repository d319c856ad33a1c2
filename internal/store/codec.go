package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sells-group/websets/internal/model"
)

// encodeCell returns the JSON encodings of a cell's value and metadata.
// A nil metadata map is stored as NULL.
func encodeCell(c *model.Cell) (value, metadata []byte, err error) {
	value, err = json.Marshal(c.Value)
	if err != nil {
		return nil, nil, err
	}
	if len(c.Metadata) > 0 {
		metadata, err = json.Marshal(c.Metadata)
		if err != nil {
			return nil, nil, err
		}
	}
	return value, metadata, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func decodeCell(c *model.Cell, value, metadata []byte) error {
	if len(value) > 0 {
		if err := json.Unmarshal(value, &c.Value); err != nil {
			return err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}
