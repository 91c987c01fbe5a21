package channel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type ConfigCache struct {
	channelsDir string
	cache       map[string]*Config
	mu          sync.RWMutex
}

func NewConfigCache(channelsDir string) *ConfigCache {
	return &ConfigCache{
		channelsDir: channelsDir,
		cache:       make(map[string]*Config),
	}
}

// Run loads every *.yml file in the channels directory. Invalid files are
// logged and skipped so one bad file cannot keep the other channels down.
func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.channelsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.channelsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yml")

		config, err := cc.LoadConfig(name)
		if err != nil {
			slog.Warn("Skipping invalid channel configuration", "file", file, "error", err)
			continue
		}

		slog.Debug("Channel configuration loaded",
			"channel", config.Username,
			"listen", config.Listen,
			"backfill_limit", config.Backfill.Limit,
			"backfill_interval", config.Backfill.Interval)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(name string) (*Config, error) {
	configFile := filepath.Join(cc.channelsDir, name+".yml")
	config, err := cc.parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	config.Name = name
	if config.Username == "" {
		config.Username = name
	}

	if err := cc.validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Name] = config

	return config, nil
}

func (cc *ConfigCache) GetConfig(name string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	config, ok := cc.cache[name]
	if !ok {
		return nil, fmt.Errorf("channel config with name '%s' not found", name)
	}
	return config, nil
}

// FindByUsername returns the config whose channel username matches,
// ignoring case.
func (cc *ConfigCache) FindByUsername(username string) (*Config, bool) {
	username = strings.TrimPrefix(username, "@")

	cc.mu.RLock()
	defer cc.mu.RUnlock()

	for _, config := range cc.cache {
		if strings.EqualFold(config.Username, username) {
			return config, true
		}
	}
	return nil, false
}

func (cc *ConfigCache) GetConfigs() map[string]*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configsCopy := make(map[string]*Config, len(cc.cache))
	for k, v := range cc.cache {
		configsCopy[k] = v
	}
	return configsCopy
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func (cc *ConfigCache) parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if config.Backfill.Limit > 0 && config.Backfill.SinceDays == 0 {
		config.Backfill.SinceDays = 7
	}

	return &config, nil
}

func (cc *ConfigCache) validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.ContainsAny(config.Username, " /@") {
		return fmt.Errorf("invalid channel username '%s'", config.Username)
	}

	nonNegativeFields := map[string]int{
		"backfill limit":      config.Backfill.Limit,
		"backfill since_days": config.Backfill.SinceDays,
		"backfill interval":   config.Backfill.Interval,
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if config.Proxy != nil {
		if err := config.Proxy.Validate(); err != nil {
			return fmt.Errorf("invalid proxy: %w", err)
		}
	}

	return nil
}
