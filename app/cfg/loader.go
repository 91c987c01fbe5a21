package cfg

import (
	"cmp"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath           string `long:"db-path" env:"DB_PATH" default:"./messages.db" description:"Path to the SQLite database file"`
	MediaDir         string `long:"media-dir" env:"MEDIA_DIR" default:"./media" description:"Directory for downloaded photos"`
	StoreTimeout     int    `long:"store-timeout" env:"STORE_TIMEOUT" default:"30" description:"Maximum wait for the store write lock in seconds"`
	BootstrapRetries int    `long:"bootstrap-retries" env:"BOOTSTRAP_RETRIES" default:"3" description:"Database bootstrap attempts before giving up"`
	BootstrapBackoff int    `long:"bootstrap-backoff" env:"BOOTSTRAP_BACKOFF" default:"1" description:"Delay between bootstrap attempts in seconds"`

	// Application configuration
	ChannelsDir       string `long:"channels-dir" env:"CHANNELS_DIR" default:"./channels" description:"Directory containing channel configuration files"`
	RulesFile         string `long:"rules-file" env:"RULES_FILE" description:"Optional YAML file overriding extraction patterns"`
	Port              string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl           string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://tg.example.com)"`
	WorkerCount       int    `long:"worker-count" env:"WORKER_COUNT" default:"2" description:"Number of background workers for backfill tasks"`
	SchedulerInterval int    `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"60" description:"Scheduler interval in seconds"`
	APIAccessKey      string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Telegram configuration
	TelegramAppID    int    `long:"tg-app-id" env:"TELEGRAM_API_ID" description:"Telegram API ID"`
	TelegramAppHash  string `long:"tg-app-hash" env:"TELEGRAM_API_HASH" description:"Telegram API hash"`
	TelegramPhone    string `long:"tg-phone" env:"TELEGRAM_PHONE" description:"Phone number used for first login"`
	TelegramPassword string `long:"tg-password" env:"TELEGRAM_PASSWORD" description:"Two-step verification password"`
	SessionPath      string `long:"session-path" env:"SESSION_PATH" default:"./session.json" description:"Telegram session file"`
	DefaultChannel   string `long:"default-channel" env:"DEFAULT_CHANNEL" description:"Channel used when a request does not name one"`

	// Proxy configuration
	ProxyEnabled  bool   `long:"proxy" env:"PROXY_ENABLED" description:"Connect to Telegram through a proxy"`
	ProxyType     string `long:"proxy-type" env:"PROXY_TYPE" default:"socks5" choice:"socks5" choice:"http" description:"Proxy type"`
	ProxyAddress  string `long:"proxy-address" env:"PROXY_ADDRESS" default:"127.0.0.1" description:"Proxy host"`
	ProxyPort     int    `long:"proxy-port" env:"PROXY_PORT" default:"1080" description:"Proxy port"`
	ProxyUsername string `long:"proxy-username" env:"PROXY_USERNAME" description:"Proxy username"`
	ProxyPassword string `long:"proxy-password" env:"PROXY_PASSWORD" description:"Proxy password"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" description:"Timezone for record timestamps (e.g., Asia/Shanghai); host zone when empty"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses the given arguments together with the environment.
// It returns nil, nil when help was requested.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:            raw.DBPath,
		MediaDir:          raw.MediaDir,
		StoreTimeout:      time.Duration(raw.StoreTimeout) * time.Second,
		BootstrapRetries:  raw.BootstrapRetries,
		BootstrapBackoff:  time.Duration(raw.BootstrapBackoff) * time.Second,
		ChannelsDir:       raw.ChannelsDir,
		RulesFile:         raw.RulesFile,
		Port:              raw.Port,
		BaseUrl:           raw.BaseUrl,
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		APIAccessKey:      raw.APIAccessKey,
		TelegramAppID:     raw.TelegramAppID,
		TelegramAppHash:   raw.TelegramAppHash,
		TelegramPhone:     raw.TelegramPhone,
		TelegramPassword:  raw.TelegramPassword,
		SessionPath:       raw.SessionPath,
		DefaultChannel:    raw.DefaultChannel,
		ProxyEnabled:      raw.ProxyEnabled,
		ProxyType:         raw.ProxyType,
		ProxyAddress:      raw.ProxyAddress,
		ProxyPort:         raw.ProxyPort,
		ProxyUsername:     raw.ProxyUsername,
		ProxyPassword:     raw.ProxyPassword,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	return cfg, nil
}

func validate(cfg *Cfg) error {
	nonNegative := map[string]int{
		"store timeout":      int(cfg.StoreTimeout),
		"bootstrap backoff":  int(cfg.BootstrapBackoff),
		"worker count":       cfg.WorkerCount,
		"scheduler interval": cfg.SchedulerInterval,
		"proxy port":         cfg.ProxyPort,
	}
	for name, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}

	if cfg.BootstrapRetries < 1 {
		return fmt.Errorf("bootstrap retries must be at least 1")
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 1
	}

	return nil
}

// applyTimezone replaces time.Local. Record timestamps are converted with
// time.Local on every call, so the zone rules (including DST) come from here.
func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
