// Package config loads runtime configuration for the collaboration
// server from an optional config file and COLLABTEXT_-prefixed
// environment variables, with sane defaults for everything.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the collaboration server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Document DocumentConfig `mapstructure:"document"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig contains network-level settings for the TCP/WebSocket listener.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	MaxOpsPerSecond  float64       `mapstructure:"max_ops_per_second"`
	MaxOpsBurst      int           `mapstructure:"max_ops_burst"`
}

// DocumentConfig controls the append-only buffer and persistence policy.
type DocumentConfig struct {
	ChunkSize  datasize.ByteSize `mapstructure:"chunk_size"`
	Path       string            `mapstructure:"path"`
	IndexPath  string            `mapstructure:"index_path"`
	FlushEvery int               `mapstructure:"flush_every"`
}

// MetricsConfig controls the Prometheus/diagnostics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AuthConfig controls the optional authentication collaborator.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ClusterConfig controls the optional NATS-based cross-process broadcast
// fan-out.
type ClusterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// AuditConfig controls the optional Kafka export of the applied op stream.
type AuditConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Load reads configuration from environment variables and an optional
// config file named "collabtext.{yaml,toml,json,...}" on the search path.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.handshake_timeout", 10*time.Second)
	v.SetDefault("server.send_queue_size", 256)
	v.SetDefault("server.max_ops_per_second", 200.0)
	v.SetDefault("server.max_ops_burst", 50)

	v.SetDefault("document.chunk_size", "64KB")
	v.SetDefault("document.path", "collabtext.doc")
	v.SetDefault("document.index_path", "collabtext.oplog.db")
	v.SetDefault("document.flush_every", 32)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("auth.enabled", false)

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.subject", "collabtext.ops")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.topic", "collabtext.ops")

	v.SetConfigName("collabtext")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("COLLABTEXT")
	v.AutomaticEnv()

	_ = v.ReadInConfig() // config file is optional

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeDecodeHook,
	))); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Document.ChunkSize == 0 {
		cfg.Document.ChunkSize = 64 * datasize.KB
	}
	if cfg.Server.SendQueueSize <= 0 {
		cfg.Server.SendQueueSize = 256
	}
	if cfg.Document.FlushEvery <= 0 {
		cfg.Document.FlushEvery = 32
	}

	return cfg, nil
}

// byteSizeDecodeHook lets operators write human-readable document chunk
// sizes ("64KB") in config, parsed via datasize.ByteSize's own text parser.
func byteSizeDecodeHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(datasize.ByteSize(0)) {
		return data, nil
	}
	switch f.Kind() {
	case reflect.String:
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, fmt.Errorf("config: parse byte size %q: %w", data, err)
		}
		return size, nil
	default:
		return data, nil
	}
}
