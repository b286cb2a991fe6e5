package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SPHERIFY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultLogLevel          = "info"
	defaultStoreDriver       = "sqlite"
	defaultSQLitePath        = "spherify.db"
	defaultMongoDatabase     = "spherify"
	defaultPebblePath        = "spherify-pebble"
	defaultS3Prefix          = "documents"
	defaultOperationTimeout  = 5 * time.Second
	defaultPersistInterval   = 2 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatGrace    = 30 * time.Second
	defaultNormalDelay       = 500 * time.Millisecond
	defaultReloadDelay       = 3 * time.Second
	defaultReloadWindow      = 15 * time.Second
	defaultDedupeWindow      = 5 * time.Second
	defaultPresenceRetention = time.Hour
	defaultGCCron            = "*/5 * * * *"
	defaultSendQueue         = 256
	defaultEventsPerSecond   = 50.0
	defaultEventBurst        = 100
	defaultCookieName        = "spherify_session"
	defaultDirectoryCache    = 1024
	defaultDirectoryTTL      = 10 * time.Minute
)

// StoreConfig selects the document persistence backend.
type StoreConfig struct {
	Driver           string
	SQLitePath       string
	MongoURI         string
	MongoDatabase    string
	PebblePath       string
	S3Bucket         string
	S3Prefix         string
	OperationTimeout time.Duration
}

// CollabConfig tunes document sessions. Idle participants are swept once per
// heartbeat interval.
type CollabConfig struct {
	PersistInterval   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
}

// PresenceConfig tunes the presence reconciler.
type PresenceConfig struct {
	NormalDelay  time.Duration
	ReloadDelay  time.Duration
	ReloadWindow time.Duration
	DedupeWindow time.Duration
	Retention    time.Duration
	GCCron       string
}

// WebsocketConfig bounds per-connection resources.
type WebsocketConfig struct {
	SendQueue       int
	EventsPerSecond float64
	EventBurst      int
}

// AuthConfig configures session token validation. An empty signing secret
// disables validation and connections identify themselves on join.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// DirectoryConfig sizes the user profile cache.
type DirectoryConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	Store       StoreConfig
	Collab      CollabConfig
	Presence    PresenceConfig
	Websocket   WebsocketConfig
	Auth        AuthConfig
	Directory   DirectoryConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("store.mongo_uri", "")
	configViper.SetDefault("store.mongo_database", defaultMongoDatabase)
	configViper.SetDefault("store.pebble_path", defaultPebblePath)
	configViper.SetDefault("store.s3_bucket", "")
	configViper.SetDefault("store.s3_prefix", defaultS3Prefix)
	configViper.SetDefault("store.operation_timeout", defaultOperationTimeout)

	configViper.SetDefault("collab.persist_interval", defaultPersistInterval)
	configViper.SetDefault("collab.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("collab.heartbeat_grace", defaultHeartbeatGrace)

	configViper.SetDefault("presence.normal_delay", defaultNormalDelay)
	configViper.SetDefault("presence.reload_delay", defaultReloadDelay)
	configViper.SetDefault("presence.reload_window", defaultReloadWindow)
	configViper.SetDefault("presence.dedupe_window", defaultDedupeWindow)
	configViper.SetDefault("presence.retention", defaultPresenceRetention)
	configViper.SetDefault("presence.gc_cron", defaultGCCron)

	configViper.SetDefault("ws.send_queue", defaultSendQueue)
	configViper.SetDefault("ws.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("ws.event_burst", defaultEventBurst)

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", "")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("directory.cache_size", defaultDirectoryCache)
	configViper.SetDefault("directory.cache_ttl", defaultDirectoryTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		Store: StoreConfig{
			Driver:           strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
			SQLitePath:       configViper.GetString("store.sqlite_path"),
			MongoURI:         configViper.GetString("store.mongo_uri"),
			MongoDatabase:    configViper.GetString("store.mongo_database"),
			PebblePath:       configViper.GetString("store.pebble_path"),
			S3Bucket:         configViper.GetString("store.s3_bucket"),
			S3Prefix:         configViper.GetString("store.s3_prefix"),
			OperationTimeout: configViper.GetDuration("store.operation_timeout"),
		},
		Collab: CollabConfig{
			PersistInterval:   configViper.GetDuration("collab.persist_interval"),
			HeartbeatInterval: configViper.GetDuration("collab.heartbeat_interval"),
			HeartbeatGrace:    configViper.GetDuration("collab.heartbeat_grace"),
		},
		Presence: PresenceConfig{
			NormalDelay:  configViper.GetDuration("presence.normal_delay"),
			ReloadDelay:  configViper.GetDuration("presence.reload_delay"),
			ReloadWindow: configViper.GetDuration("presence.reload_window"),
			DedupeWindow: configViper.GetDuration("presence.dedupe_window"),
			Retention:    configViper.GetDuration("presence.retention"),
			GCCron:       strings.TrimSpace(configViper.GetString("presence.gc_cron")),
		},
		Websocket: WebsocketConfig{
			SendQueue:       configViper.GetInt("ws.send_queue"),
			EventsPerSecond: configViper.GetFloat64("ws.events_per_second"),
			EventBurst:      configViper.GetInt("ws.event_burst"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
		Directory: DirectoryConfig{
			CacheSize: configViper.GetInt("directory.cache_size"),
			CacheTTL:  configViper.GetDuration("directory.cache_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	// The directory always lives in sqlite, whichever backend holds documents.
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		return fmt.Errorf("store.sqlite_path is required")
	}
	switch c.Store.Driver {
	case "sqlite", "memory", "pebble":
	case "mongo":
		if strings.TrimSpace(c.Store.MongoURI) == "" {
			return fmt.Errorf("store.mongo_uri is required for the mongo driver")
		}
	case "s3":
		if strings.TrimSpace(c.Store.S3Bucket) == "" {
			return fmt.Errorf("store.s3_bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Store.Driver == "pebble" && strings.TrimSpace(c.Store.PebblePath) == "" {
		return fmt.Errorf("store.pebble_path is required for the pebble driver")
	}
	if c.Collab.PersistInterval <= 0 {
		return fmt.Errorf("collab.persist_interval must be positive")
	}
	if c.Collab.HeartbeatGrace <= c.Collab.HeartbeatInterval {
		return fmt.Errorf("collab.heartbeat_grace must exceed collab.heartbeat_interval")
	}
	if c.Presence.NormalDelay <= 0 || c.Presence.ReloadDelay <= 0 {
		return fmt.Errorf("presence delays must be positive")
	}
	if c.Websocket.SendQueue <= 0 {
		return fmt.Errorf("ws.send_queue must be positive")
	}
	if c.Websocket.EventsPerSecond <= 0 || c.Websocket.EventBurst <= 0 {
		return fmt.Errorf("ws.events_per_second and ws.event_burst must be positive")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}
