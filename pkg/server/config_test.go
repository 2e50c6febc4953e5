package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/babblenet/babble/pkg/datastore"
)

func TestImportChannelsFromYAML(t *testing.T) {
	db := datastore.NewMemory()
	data := []byte(`
channels:
  - name: Lobby
  - name: Ops
  - name: Music
`)
	require.NoError(t, ImportChannelsFromYAML(data, db))

	channels, err := db.ListChannels()
	require.NoError(t, err)
	require.Len(t, channels, 3)

	// Importing again is idempotent: channels match by name.
	require.NoError(t, ImportChannelsFromYAML(data, db))
	channels, err = db.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 3)
}

func TestImportChannelsBadYAML(t *testing.T) {
	db := datastore.NewMemory()
	err := ImportChannelsFromYAML([]byte("channels: [unclosed"), db)
	assert.Error(t, err)
}

func TestLoadChannelsFromYAMLFile(t *testing.T) {
	db := datastore.NewMemory()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channels:\n  - name: Ops\n"), 0o600))

	require.NoError(t, LoadChannelsFromYAML(path, db))
	ch, err := db.GetChannelByName("Ops")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "Ops", ch.Name)

	assert.Error(t, LoadChannelsFromYAML(filepath.Join(t.TempDir(), "missing.yaml"), db))
}

func TestExportChannelsYAMLRoundTrip(t *testing.T) {
	db := datastore.NewMemory()
	for _, name := range []string{"Lobby", "Ops"} {
		_, err := db.CreateChannel(name)
		require.NoError(t, err)
	}

	out, err := ExportChannelsYAML(db)
	require.NoError(t, err)

	var cfg ChannelsConfig
	require.NoError(t, yaml.Unmarshal(out, &cfg))
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "Lobby", cfg.Channels[0].Name)
	assert.Equal(t, "Ops", cfg.Channels[1].Name)

	// The export feeds back into a fresh store unchanged.
	fresh := datastore.NewMemory()
	require.NoError(t, ImportChannelsFromYAML(out, fresh))
	channels, err := fresh.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}
