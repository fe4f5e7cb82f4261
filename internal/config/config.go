// Package config loads bridge credentials and engine tuning from a YAML
// file plus environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	downerr "github.com/zzenonn/shardpull/internal/errors"
)

// Config holds everything the download engine and its CLI demo need that
// isn't specific to a single download.
type Config struct {
	LogLevel string

	BridgeURL string
	User      string
	Password  string
	Mnemonic  string

	ShardConcurrency int
	MaxBridgeRetries int
	MaxReportRetries int
	MaxReplacements  int
	RequestTimeout   time.Duration

	ResumeBackend string // "file" (default) or "dynamodb"
	DynamoDBTable string
	DynamoDBRegion string

	SinkBackend string // "local" (default), "s3", or "gcs"
	S3Bucket    string
	S3Region    string
	GCSBucket   string
}

// LoadConfig reads configuration from (in ascending priority) defaults, a
// YAML file at path (or ./config.yaml if path is empty), and SHARDPULL_*
// environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("bridge_url", "https://api.storj.io")
	v.SetDefault("shard_concurrency", 4)
	v.SetDefault("max_bridge_retries", 3)
	v.SetDefault("max_report_retries", 3)
	v.SetDefault("max_replacements", 3)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("resume_backend", "file")
	v.SetDefault("sink_backend", "local")

	v.SetEnvPrefix("shardpull")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, err
		}
	}

	cfg := &Config{
		LogLevel:         v.GetString("log_level"),
		BridgeURL:        v.GetString("bridge_url"),
		User:             v.GetString("user"),
		Password:         v.GetString("password"),
		Mnemonic:         v.GetString("mnemonic"),
		ShardConcurrency: v.GetInt("shard_concurrency"),
		MaxBridgeRetries: v.GetInt("max_bridge_retries"),
		MaxReportRetries: v.GetInt("max_report_retries"),
		MaxReplacements:  v.GetInt("max_replacements"),
		RequestTimeout:   v.GetDuration("request_timeout"),
		ResumeBackend:    v.GetString("resume_backend"),
		DynamoDBTable:    v.GetString("dynamodb_table"),
		DynamoDBRegion:   v.GetString("dynamodb_region"),
		SinkBackend:      v.GetString("sink_backend"),
		S3Bucket:         v.GetString("s3_bucket"),
		S3Region:         v.GetString("s3_region"),
		GCSBucket:        v.GetString("gcs_bucket"),
	}

	if cfg.User == "" {
		return nil, downerr.ConfigNotSetError("user")
	}
	if cfg.Password == "" {
		return nil, downerr.ConfigNotSetError("password")
	}

	return cfg, nil
}
