package dbdialect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/config"
)

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(config.DatabaseSpec{Type: "sqlite"})
	require.Error(t, err)
	require.IsType(t, &aierr.ConfigError{}, err)
}
