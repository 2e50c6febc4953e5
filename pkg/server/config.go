package server

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/babblenet/babble/pkg/datastore"
)

// ChannelYAML represents a channel in YAML config.
type ChannelYAML struct {
	Name string `yaml:"name"`
}

// ChannelsConfig is the top-level YAML config for channels.
type ChannelsConfig struct {
	Channels []ChannelYAML `yaml:"channels"`
}

// LoadChannelsFromYAML reads a channels YAML file and creates any channels
// that do not exist yet.
func LoadChannelsFromYAML(path string, db datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read channels config: %w", err)
	}
	return ImportChannelsFromYAML(data, db)
}

// ImportChannelsFromYAML parses YAML data and creates missing channels.
// Channels are matched by name; existing ones are left alone.
func ImportChannelsFromYAML(data []byte, db datastore.DataStore) error {
	var cfg ChannelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse channels config: %w", err)
	}

	for _, ch := range cfg.Channels {
		existing, err := db.GetChannelByName(ch.Name)
		if err != nil {
			slog.Error("failed to look up channel from config", "name", ch.Name, "err", err)
			continue
		}
		if existing != nil {
			continue
		}
		if _, err := db.CreateChannel(ch.Name); err != nil {
			slog.Error("failed to create channel from config", "name", ch.Name, "err", err)
			continue
		}
		slog.Debug("created channel from config", "name", ch.Name)
	}

	slog.Info("imported channels from YAML", "count", len(cfg.Channels))
	return nil
}

// ExportChannelsYAML exports all persisted channels as YAML.
func ExportChannelsYAML(db datastore.DataStore) ([]byte, error) {
	channels, err := db.ListChannels()
	if err != nil {
		return nil, err
	}

	cfg := ChannelsConfig{}
	for _, ch := range channels {
		cfg.Channels = append(cfg.Channels, ChannelYAML{Name: ch.Name})
	}
	return yaml.Marshal(&cfg)
}
