// Package logging configures the shared logrus logger and derives
// per-download structured fields from it.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/shardpull/internal/config"
)

// InitLogger sets the log level and format based on the provided configuration.
func InitLogger(cfg *config.Config) {
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

// InitFromEnv initializes logging from environment variables, used before a
// Config is available (e.g. during flag parsing).
func InitFromEnv() {
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	setLogLevel(logLevel)
}

func setLogLevel(logLevel string) {
	switch logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ForDownload returns a logger entry tagged with the bucket/file identifying
// a single in-flight download, so concurrent downloads interleave cleanly in
// one log stream.
func ForDownload(bucketID, fileID string) *log.Entry {
	return log.WithFields(log.Fields{
		"bucket_id": bucketID,
		"file_id":   fileID,
	})
}

func init() {
	InitFromEnv()
}
