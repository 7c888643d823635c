package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	encoded, err := EncodeCursor(Cursor{At: at, ID: "123"})
	require.NoError(t, err)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, "123", decoded.ID)
	require.True(t, decoded.At.Equal(at))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	require.Error(t, err)
}

func TestBuildPage(t *testing.T) {
	type row struct{ id string }
	rows := []*row{{"a"}, {"b"}, {"c"}}

	page, info := BuildPage(rows, 2, func(r *row) Cursor { return Cursor{ID: r.id} })
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	c, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "b", c.ID)

	page, info = BuildPage(rows, 5, func(r *row) Cursor { return Cursor{ID: r.id} })
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
}

func TestClamp(t *testing.T) {
	require.Equal(t, DefaultLimit, Clamp(0, 50))
	require.Equal(t, 50, Clamp(500, 50))
	require.Equal(t, 7, Clamp(7, 50))
}
