package pagination

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit" validate:"omitempty,gte=1,lte=200"`
}

// Cursor points at the last row of a page ordered by (At desc, ID desc).
type Cursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Clamp normalizes a requested page size.
func Clamp(limit, max int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// BuildPage trims the extra row fetched to detect a following page and
// returns the page info pointing at the last kept row.
func BuildPage[T any](data []*T, limit int, extractCursor func(*T) Cursor) ([]*T, *PageInfo) {
	if len(data) <= limit {
		return data, &PageInfo{HasMore: false}
	}

	data = data[:limit]
	next, err := EncodeCursor(extractCursor(data[len(data)-1]))
	if err != nil {
		return data, &PageInfo{HasMore: false}
	}
	return data, &PageInfo{HasMore: true, NextCursor: next}
}
