package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrips(t *testing.T) {
	d := NewDBPoll(nil, nil, 0, nil)
	d.SetCursor(42, 1700000000)

	cid, ts := d.Cursor()
	require.Equal(t, uint64(42), cid)
	require.Equal(t, int64(1700000000), ts)
}
