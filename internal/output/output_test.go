package output

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func TestTableNamesMatchOutputSchema(t *testing.T) {
	require.Equal(t, "ipv4_headers", ipv4HeaderRow{}.TableName())
	require.Equal(t, "tcp_headers", tcpHeaderRow{}.TableName())
	require.Equal(t, "alerts", alertRow{}.TableName())
	require.Equal(t, "packet_streams", packetStreamRow{}.TableName())
	require.Equal(t, "correlated_alerts", correlatedAlertRow{}.TableName())
}

func TestAddrStringEmptyForInvalidAddr(t *testing.T) {
	require.Equal(t, "", addrString(netip.Addr{}))
	require.Equal(t, "10.0.0.1", addrString(netip.MustParseAddr("10.0.0.1")))
}

func TestResolveEdgeIDsFailsWhenEndpointMissing(t *testing.T) {
	ids := map[uint64]uint64{1: 100}
	_, _, err := resolveEdgeIDs(ids, &alertmodel.CorrelationEdge{From: 1, To: 2})
	require.Error(t, err)
}

func TestResolveEdgeIDsSucceeds(t *testing.T) {
	ids := map[uint64]uint64{1: 100, 2: 200}
	fromID, toID, err := resolveEdgeIDs(ids, &alertmodel.CorrelationEdge{From: 1, To: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(100), fromID)
	require.Equal(t, uint64(200), toID)
}
