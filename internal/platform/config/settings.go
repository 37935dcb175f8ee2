package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings is the optional TOML settings file. Every field may be omitted.
//
//	euro_countries = ["DE", "FR", "IE"]
//
//	[asset_ids]
//	BTC = "bitcoin"
//
//	[worker]
//	interval = "30s"
//	batch_size = 50
type Settings struct {
	EuroCountries []string          `toml:"euro_countries"`
	AssetIDs      map[string]string `toml:"asset_ids"`
	Worker        WorkerSettings    `toml:"worker"`
}

// WorkerSettings tunes the settlement outbox worker.
type WorkerSettings struct {
	Interval    Duration `toml:"interval"`
	BatchSize   int      `toml:"batch_size"`
	Lease       Duration `toml:"lease"`
	MaxAttempts int      `toml:"max_attempts"`
	BaseBackoff Duration `toml:"base_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
}

// Duration decodes Go duration strings such as "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) or(fallback time.Duration) time.Duration {
	if d > 0 {
		return time.Duration(d)
	}
	return fallback
}

// LoadSettings decodes the TOML settings file at path. An empty path yields zero settings.
func LoadSettings(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Settings{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("config: settings file %s not found", path)
		}
		return Settings{}, fmt.Errorf("config: settings file: %w", err)
	}

	var settings Settings
	meta, err := toml.DecodeFile(path, &settings)
	if err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Settings{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	for i, code := range settings.EuroCountries {
		settings.EuroCountries[i] = strings.ToUpper(strings.TrimSpace(code))
	}
	if len(settings.AssetIDs) > 0 {
		normalised := make(map[string]string, len(settings.AssetIDs))
		for asset, id := range settings.AssetIDs {
			normalised[strings.ToUpper(strings.TrimSpace(asset))] = strings.TrimSpace(id)
		}
		settings.AssetIDs = normalised
	}
	return settings, nil
}
