package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func TestFeedLineBuildsCompleteTCPRecord(t *testing.T) {
	var rb recordBuilder
	require.NoError(t, rb.feedLine("[**] [1:100:1] login attempt [**]"))
	require.NoError(t, rb.feedLine("[Priority: 2] [Classification: misc-activity]"))
	require.NoError(t, rb.feedLine("07/31-10:00:00.123456 10.0.0.1:1234 -> 10.0.0.2:80"))
	require.NoError(t, rb.feedLine("TCP TTL:64 TOS:0x0 ID:1234 IpLen:20"))
	require.NoError(t, rb.feedLine("***AP*** Seq: 0x1 Ack: 0x2 Win: 0x200 TcpLen: 20"))

	require.True(t, rb.complete())

	a, err := rb.build(1, nil)
	require.NoError(t, err)
	require.Equal(t, alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1}, a.Type)
	require.Equal(t, "login attempt", a.Description)
	require.Equal(t, 2, a.Priority)
	require.Equal(t, "misc-activity", a.Classtype)
	require.NotNil(t, a.TCP)
	require.EqualValues(t, 1234, a.TCP.SrcPort)
	require.EqualValues(t, 80, a.TCP.DstPort)
	require.NotZero(t, a.TCP.Flags&alertmodel.TCPFlagACK)
	require.NotZero(t, a.TCP.Flags&alertmodel.TCPFlagPSH)
}

func TestFeedLineReconstructsTimestampFromLogLine(t *testing.T) {
	var rb recordBuilder
	require.NoError(t, rb.feedLine("[**] [1:100:1] login attempt [**]"))
	require.NoError(t, rb.feedLine("07/31-10:15:30.123456 10.0.0.1:1234 -> 10.0.0.2:80"))
	require.NoError(t, rb.feedLine("TCP TTL:64 TOS:0x0 ID:1234 IpLen:20"))
	require.NoError(t, rb.feedLine("***AP*** Seq: 0x1 Ack: 0x2 Win: 0x200 TcpLen: 20"))

	a, err := rb.build(1, nil)
	require.NoError(t, err)

	got := time.Unix(a.Timestamp, 0)
	require.Equal(t, time.July, got.Month())
	require.Equal(t, 31, got.Day())
	require.Equal(t, 10, got.Hour())
	require.Equal(t, 15, got.Minute())
	require.Equal(t, 30, got.Second())
}

func TestFeedLineWithoutPortsForICMP(t *testing.T) {
	var rb recordBuilder
	require.NoError(t, rb.feedLine("[**] [1:200:1] icmp ping [**]"))
	require.NoError(t, rb.feedLine("[Priority: 3]"))
	require.NoError(t, rb.feedLine("07/31-10:00:00.123456 10.0.0.1 -> 10.0.0.2"))
	require.NoError(t, rb.feedLine("ICMP TTL:64 TOS:0x0 ID:1 IpLen:20"))

	require.True(t, rb.complete())
	a, err := rb.build(1, nil)
	require.NoError(t, err)
	require.Nil(t, a.TCP)
	require.EqualValues(t, 1, a.IPv4.Protocol)
}

func TestFeedLineRejectsUnassociatedLine(t *testing.T) {
	var rb recordBuilder
	err := rb.feedLine("this is not an alert header")
	require.Error(t, err)
}

func TestBuildFailsOnTruncatedRecord(t *testing.T) {
	var rb recordBuilder
	require.NoError(t, rb.feedLine("[**] [1:1:1] partial [**]"))
	_, err := rb.build(1, nil)
	require.Error(t, err)
}
