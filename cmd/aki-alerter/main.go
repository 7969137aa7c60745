package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/south-riverside/aki-alerter/internal/alert"
	"github.com/south-riverside/aki-alerter/internal/config"
	akihttp "github.com/south-riverside/aki-alerter/internal/http"
	"github.com/south-riverside/aki-alerter/internal/listener"
	"github.com/south-riverside/aki-alerter/internal/metrics"
	"github.com/south-riverside/aki-alerter/internal/model"
	"github.com/south-riverside/aki-alerter/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type flags struct {
	configPath string
	logLevel   string
	historyDir string
	wipeLog    bool
}

func parseFlags(args []string) flags {
	var f flags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "--history-dir":
			if i+1 < len(args) {
				f.historyDir = args[i+1]
				i++
			}
		case "--wipe-log":
			f.wipeLog = true
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n\n", args[i])
			printUsage()
			os.Exit(1)
		}
	}
	return f
}

func printUsage() {
	fmt.Println("Usage: aki-alerter [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>      Path to configuration YAML file")
	fmt.Println("  --log-level <lvl>    Override log level (debug, info, warn, error)")
	fmt.Println("  --history-dir <path> Override the bootstrap history CSV location")
	fmt.Println("  --wipe-log           Truncate the message log instead of replaying it")
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func main() {
	f := parseFlags(os.Args[1:])

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}
	if f.historyDir != "" {
		cfg.Storage.HistoryPath = f.historyDir
	}
	if f.wipeLog {
		cfg.Storage.WipeLog = true
	}

	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting aki-alerter",
		zap.String("mllp_address", cfg.MLLP.Address),
		zap.String("pager_address", cfg.Pager.Address),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	// The process must not start without the classifier.
	classifier, err := model.Load(cfg.Storage.ModelPath)
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}

	store := storage.NewManager(cfg.Storage.MessageLogPath, classifier, logger.Named("storage"))
	if err := store.InitialiseDatabase(cfg.Storage.HistoryPath, cfg.Storage.WipeLog); err != nil {
		logger.Fatal("failed to initialise storage", zap.Error(err))
	}

	pager := alert.NewPager(
		cfg.Pager.URL(),
		cfg.Pager.Retries,
		time.Duration(cfg.Pager.TimeoutSeconds*float64(time.Second)),
		time.Duration(cfg.Pager.RetryDelaySeconds*float64(time.Second)),
		logger.Named("alert"),
	)

	lst := listener.New(cfg.MLLP, store, pager, logger.Named("listener"))

	httpServer := akihttp.NewServer(cfg.Service.HTTPListen, lst, store, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- lst.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	listenerDone := false
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-runErr:
		// Run only returns on an exhausted reconnect budget.
		logger.Error("listener stopped", zap.Error(err))
		exitCode = 1
		listenerDone = true
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	if !listenerDone {
		select {
		case <-runErr:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached before listener stopped")
		}
	}

	logger.Info("aki-alerter stopped")
	os.Exit(exitCode)
}
