package cfg

import "time"

type Cfg struct {
	// Storage configuration
	DBPath           string
	MediaDir         string
	StoreTimeout     time.Duration
	BootstrapRetries int
	BootstrapBackoff time.Duration

	// Application configuration
	ChannelsDir       string
	RulesFile         string
	Port              string
	BaseUrl           string
	WorkerCount       int
	SchedulerInterval int
	APIAccessKey      string

	// Telegram configuration
	TelegramAppID    int
	TelegramAppHash  string
	TelegramPhone    string
	TelegramPassword string
	SessionPath      string
	DefaultChannel   string

	// Proxy configuration
	ProxyEnabled  bool
	ProxyType     string
	ProxyAddress  string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
