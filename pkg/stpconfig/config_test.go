package stpconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rto_ms: 250\nmax_win_bytes: 5000\nflp: 0.1\nrlp: 0.2\nlog_level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.RTOMillis)
	assert.Equal(t, 5000, cfg.MaxWinBytes)
	assert.InDelta(t, 0.1, cfg.FLP, 1e-9)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestOverrideIntPrefersNonZero(t *testing.T) {
	assert.Equal(t, 5, OverrideInt(5, 10))
	assert.Equal(t, 10, OverrideInt(0, 10))
}

func TestWithConfigRoundTrip(t *testing.T) {
	cfg := &Config{RTOMillis: 42}
	ctx := WithConfig(context.Background(), cfg)
	assert.Same(t, cfg, FromContext(ctx))
	assert.Equal(t, &Config{}, FromContext(context.Background()))
}
