package main

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/shardpull/internal/bridgeclient"
	"github.com/zzenonn/shardpull/internal/config"
	"github.com/zzenonn/shardpull/internal/download"
	downerr "github.com/zzenonn/shardpull/internal/errors"
	"github.com/zzenonn/shardpull/internal/farmerclient"
	"github.com/zzenonn/shardpull/internal/logging"
	"github.com/zzenonn/shardpull/internal/resume"
	"github.com/zzenonn/shardpull/internal/sink"
)

var (
	cfg        *config.Config
	configPath string

	outPath  string
	spoolDir string
)

var rootCmd = &cobra.Command{
	Use:   "shardpull",
	Short: "CLI application for downloading files from a decentralized object store",
	Long:  "A CLI application built with Cobra for driving the shardpull download engine",
}

func init() {
	cobra.OnInitialize(initConfig)
	setupFlags()
	addCommands()
}

// setupFlags defines CLI flags
func setupFlags() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	downloadCmd.Flags().StringVar(&outPath, "out", "", "destination path (local sink) or object key (s3/gcs sinks)")
	downloadCmd.Flags().StringVar(&spoolDir, "spool-dir", ".", "local spool directory for the s3/gcs sinks")
}

// addCommands registers subcommands
func addCommands() {
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(debugCmd)
}

// initConfig loads configuration once flags are parsed and initializes the
// shared logger from it.
func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.LogLevel, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	logging.InitLogger(cfg)
}

var downloadCmd = &cobra.Command{
	Use:   "download <bucket-id> <file-id>",
	Short: "Download a file's shards, decrypt, verify, and reassemble them",
	Args:  cobra.ExactArgs(2),
	Run:   runDownloadCommand,
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Show configuration for debugging",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Configuration:\n")
		fmt.Printf("  Bridge URL: %s\n", cfg.BridgeURL)
		fmt.Printf("  Log Level: %s\n", cfg.LogLevel)
		fmt.Printf("  Shard Concurrency: %d\n", cfg.ShardConcurrency)
		fmt.Printf("  Resume Backend: %s\n", cfg.ResumeBackend)
		fmt.Printf("  Sink Backend: %s\n", cfg.SinkBackend)
	},
}

// runDownloadCommand wires the bridge/farmer clients, a sink and resume
// store chosen by configuration, and the download engine together, then
// blocks on the engine's finished callback.
func runDownloadCommand(cmd *cobra.Command, args []string) {
	bucketID, fileID := args[0], args[1]
	if outPath == "" {
		outPath = fileID
	}
	logger := logging.ForDownload(bucketID, fileID)

	ctx := context.Background()

	snk, err := buildSink(ctx, outPath, spoolDir)
	if err != nil {
		log.Fatalf("Failed to open sink: %v", err)
	}

	resumeStore, err := buildResumeStore(ctx, outPath)
	if err != nil {
		log.Fatalf("Failed to open resume store: %v", err)
	}

	bridge := bridgeclient.New(cfg.BridgeURL, cfg.User, cfg.Password, cfg.RequestTimeout)
	farmer := farmerclient.New(cfg.RequestTimeout)

	tuning := download.DefaultTuning()
	tuning.ConcurrencyCap = cfg.ShardConcurrency
	tuning.MaxBridgeRetries = cfg.MaxBridgeRetries
	tuning.MaxReportRetries = cfg.MaxReportRetries
	tuning.MaxReplacements = cfg.MaxReplacements

	engine := download.New(bridge, farmer, resumeStore, logger, tuning)

	var bar *progressbar.ProgressBar
	onProgress := func(fraction float64, downloaded, total int64) {
		if bar == nil && total > 0 {
			bar = progressbar.DefaultBytes(total, "downloading")
		}
		if bar != nil {
			bar.Set64(downloaded)
		}
	}

	done := make(chan error, 1)
	onFinished := func(status error) { done <- status }

	if err := engine.Start(ctx, bucketID, fileID, snk, cfg.Mnemonic, onProgress, onFinished); err != nil {
		log.Fatalf("Failed to start download: %v", err)
	}

	if err := <-done; err != nil {
		logger.WithError(err).WithField("kind", downerr.KindOf(err)).Error("download failed")
		os.Exit(1)
	}
	logger.Info("download complete")
}

func buildSink(ctx context.Context, path, spoolDir string) (sink.Sink, error) {
	switch cfg.SinkBackend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return sink.NewS3(s3.NewFromConfig(awsCfg), spoolDir, cfg.S3Bucket, path)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("new gcs client: %w", err)
		}
		return sink.NewGCS(client, spoolDir, cfg.GCSBucket, path)
	default:
		return sink.OpenLocalFile(path)
	}
}

func buildResumeStore(ctx context.Context, sinkPath string) (resume.Store, error) {
	switch cfg.ResumeBackend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDBRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		if err := resume.EnsureTable(ctx, client, cfg.DynamoDBTable); err != nil {
			return nil, err
		}
		return resume.NewDynamoStore(client, cfg.DynamoDBTable), nil
	default:
		return resume.NewFileStore(sinkPath), nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
