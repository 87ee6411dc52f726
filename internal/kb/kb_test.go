package kb

import (
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func writeRule(t *testing.T, dir string, key alertmodel.AlertTypeKey, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(rulePath(dir, key), []byte(body), 0o644))
}

func TestLoadMissingRuleIsNotAnError(t *testing.T) {
	kb := New(t.TempDir())
	base, err := kb.Load(alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1})
	require.NoError(t, err)
	require.Nil(t, base)
}

func TestLoadMalformedRuleIsFatal(t *testing.T) {
	dir := t.TempDir()
	key := alertmodel.AlertTypeKey{GID: 1, SID: 2, Rev: 1}
	writeRule(t, dir, key, "<hyperalert><snort-id gid=\"1\"")

	kb := New(dir)
	_, err := kb.Load(key)
	require.Error(t, err)
}

func TestLoadAndCache(t *testing.T) {
	dir := t.TempDir()
	key := alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1}
	writeRule(t, dir, key, `<hyperalert>
  <snort-id gid="1" sid="100" rev="1"/>
  <desc>scan</desc>
  <pre> scan(+SRC_ADDR+) </pre>
  <post>login_attempt(+DST_ADDR+,+DST_PORT+)</post>
</hyperalert>`)

	kb := New(dir)
	base, err := kb.Load(key)
	require.NoError(t, err)
	require.Equal(t, []string{"scan(+SRC_ADDR+)"}, base.Pre)
	require.Equal(t, []string{"login_attempt(+DST_ADDR+,+DST_PORT+)"}, base.Post)

	cached, err := kb.Load(key)
	require.NoError(t, err)
	require.Same(t, base, cached)
}

func TestSimilarityExactMatch(t *testing.T) {
	post := []string{"login_attempt(1.2.3.4,80)"}
	pre := []string{"login_attempt(1.2.3.4,80)"}
	require.Equal(t, 1.0, Similarity(post, pre))
}

func TestSimilarityAnyAddrWildcard(t *testing.T) {
	post := []string{"scan(+ANY_ADDR+)"}
	pre := []string{"scan(10.0.0.5)"}
	require.Equal(t, 1.0, Similarity(post, pre))
}

func TestSimilarityCIDRMatch(t *testing.T) {
	post := []string{"scan(10.0.0.0/24)"}
	pre := []string{"scan(10.0.0.42)"}
	require.Equal(t, 1.0, Similarity(post, pre))
}

func TestSimilarityNoMatch(t *testing.T) {
	post := []string{"scan(10.0.0.0/24)"}
	pre := []string{"scan(192.168.1.1)"}
	require.Equal(t, 0.0, Similarity(post, pre))
}

func TestSimilarityEmptyIsZero(t *testing.T) {
	require.Equal(t, 0.0, Similarity(nil, nil))
}

func TestBindExpandsMacros(t *testing.T) {
	a := &alertmodel.Alert{
		IPv4: alertmodel.IPv4Header{
			Src: netip.MustParseAddr("10.1.1.1"),
			Dst: netip.MustParseAddr("10.2.2.2"),
		},
		TCP: &alertmodel.TCPHeader{SrcPort: 1234, DstPort: 80},
	}
	bound := Bind([]string{"conn(+SRC_ADDR+,+DST_ADDR+,+DST_PORT+)"}, a)
	require.Equal(t, []string{"conn(10.1.1.1,10.2.2.2,80)"}, bound)
}
