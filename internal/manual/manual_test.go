package manual

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/alertmodel"
)

func TestRefreshWithNoFilesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "correlated.xml"), filepath.Join(dir, "uncorrelated.xml"))
	require.NoError(t, s.Refresh())

	_, ok := s.Lookup(alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1}, alertmodel.AlertTypeKey{GID: 1, SID: 2, Rev: 1})
	require.False(t, ok)
}

func TestRefreshParsesForceCorrelated(t *testing.T) {
	dir := t.TempDir()
	correlated := filepath.Join(dir, "correlated.xml")
	require.NoError(t, os.WriteFile(correlated, []byte(`<correlations>
  <correlation>
    <from gid="1" sid="100" rev="1"/>
    <to gid="1" sid="200" rev="1"/>
  </correlation>
</correlations>`), 0o644))

	s := New(correlated, filepath.Join(dir, "uncorrelated.xml"))
	require.NoError(t, s.Refresh())

	v, ok := s.Lookup(alertmodel.AlertTypeKey{GID: 1, SID: 100, Rev: 1}, alertmodel.AlertTypeKey{GID: 1, SID: 200, Rev: 1})
	require.True(t, ok)
	require.Equal(t, alertmodel.ForceCorrelated, v)
}

func TestRefreshMalformedIsFatal(t *testing.T) {
	dir := t.TempDir()
	correlated := filepath.Join(dir, "correlated.xml")
	require.NoError(t, os.WriteFile(correlated, []byte("<correlations><correlation>"), 0o644))

	s := New(correlated, filepath.Join(dir, "uncorrelated.xml"))
	require.Error(t, s.Refresh())
}

func TestRefreshReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	correlated := filepath.Join(dir, "correlated.xml")
	from := alertmodel.AlertTypeKey{GID: 1, SID: 1, Rev: 1}
	to := alertmodel.AlertTypeKey{GID: 1, SID: 2, Rev: 1}

	require.NoError(t, os.WriteFile(correlated, []byte(`<correlations>
  <correlation><from gid="1" sid="1" rev="1"/><to gid="1" sid="2" rev="1"/></correlation>
</correlations>`), 0o644))

	s := New(correlated, filepath.Join(dir, "uncorrelated.xml"))
	require.NoError(t, s.Refresh())
	_, ok := s.Lookup(from, to)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(correlated, []byte(`<correlations></correlations>`), 0o644))
	require.NoError(t, s.Refresh())
	_, ok = s.Lookup(from, to)
	require.False(t, ok)
}
