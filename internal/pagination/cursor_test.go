package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 42, time.UTC)

	cursor, err := Decode(Encode(ts, "ord_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "ord_abc123", cursor.ID)
}

func TestDecodeEmptyIsNil(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl",     // valid base64, no separator
		"eHh4fG5vcGU=", // "xxx|nope": non-numeric timestamp
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, "input %q", in)
	}
}

func TestDecodeKeepsPipeInID(t *testing.T) {
	// Only the first separator splits; IDs containing pipes survive.
	cursor, err := Decode(Encode(time.Unix(0, 99).UTC(), "weird|id"))
	require.NoError(t, err)
	assert.Equal(t, "weird|id", cursor.ID)
}

func TestComputePageUnderLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePageOverfetch(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID, "cursor should mark the last row of the page")
}

func TestComputePageExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
