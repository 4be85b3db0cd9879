package common

import "github.com/spf13/viper"

// ===============================================================================
// Registry Related Config

// RegistryConfig defines the subscription registry parameters
type RegistryConfig struct {
	// Matcher is the destination matching strategy: "path" or "exact"
	Matcher string `mapstructure:"matcher" json:"matcher" validate:"required,oneof=path exact"`
	// PathSeparator is the segment separator used by the path matcher
	PathSeparator string `mapstructure:"path_separator" json:"path_separator" validate:"required"`
	// PatternCacheSize is the number of compiled patterns the path matcher keeps
	PatternCacheSize int `mapstructure:"pattern_cache_size" json:"pattern_cache_size" validate:"gte=1"`
	// CacheLimit is the number of destination lookup results to cache (0 disables)
	CacheLimit int `mapstructure:"cache_limit" json:"cache_limit" validate:"gte=0"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines client session lifecycle parameters
type SessionConfig struct {
	// InactivityTimeout is the duration in seconds a session can go without a
	// heartbeat before its subscriptions are cleared
	InactivityTimeout int `mapstructure:"inactivity_timeout_sec" json:"inactivity_timeout_sec" validate:"gte=1"`
	// SweepInterval is the duration in seconds between inactive session sweeps
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// TaskBuffer is the size of the session manager's task queue
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSSubjectConfig defines the NATS subjects the broker bridge uses
type NATSSubjectConfig struct {
	// Prefix is prepended to every subject: <prefix>.inbound, <prefix>.session.<ID>
	Prefix string `mapstructure:"prefix" json:"prefix" validate:"required"`
	// QueueGroup is the queue group inbound frames are consumed with
	QueueGroup string `mapstructure:"queue_group" json:"queue_group" validate:"required"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// Subjects defines the subjects used
	Subjects NATSSubjectConfig `mapstructure:"subjects" json:"subjects" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIServerConfig defines configuration for the registry API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the registry APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broker registry config
type SystemConfig struct {
	// Registry are the subscription registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Session are the client session lifecycle parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// API is the registry API server config
	API *APIServerConfig `mapstructure:"api,omitempty" json:"api,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default registry settings
	viper.SetDefault("registry.matcher", "path")
	viper.SetDefault("registry.path_separator", "/")
	viper.SetDefault("registry.pattern_cache_size", 1024)
	viper.SetDefault("registry.cache_limit", 1024)

	// Default session settings
	viper.SetDefault("session.inactivity_timeout_sec", 120)
	viper.SetDefault("session.sweep_interval_sec", 30)
	viper.SetDefault("session.task_buffer", 64)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subjects.prefix", "subreg")
	viper.SetDefault("nats.subjects.queue_group", "subreg-router")

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api.api_server.logging_config.request_id_header", "Subreg-Request-ID")
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
