package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/markers/kvtest"
)

func TestOpenMarkers(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []config.Markers{
		{Driver: "memory"},
		{Driver: "sqlite", DSN: filepath.Join(dir, "markers.db")},
		{Driver: "pebble", Path: filepath.Join(dir, "pebble")},
	} {
		t.Run(cfg.Driver, func(t *testing.T) {
			kv, err := OpenMarkers(cfg)
			require.NoError(t, err)
			kvtest.Run(t, kv)
			assert.NoError(t, kv.Close())
		})
	}
}

func TestOpenMarkersUnknownDriver(t *testing.T) {
	_, err := OpenMarkers(config.Markers{Driver: "etcd"})
	assert.Error(t, err)
}
