package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cqkv/blobstore"
	"github.com/cqkv/blobstore/config"
	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "compact":
		compactCmd(os.Args[2:])
	case "stats":
		statsCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blobstore <serve|compact|stats> [flags]")
}

func loadConfig(path, dir string) *config.File {
	file := config.DefaultFile()
	if path != "" {
		var err error
		if file, err = config.Load(path); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if dir != "" {
		file.DataDir = dir
	}
	return file
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger
}

func open(file *config.File, logger *zap.Logger, reg prometheus.Registerer) *blobstore.Store {
	store, err := blobstore.Open(file.DataDir,
		blobstore.WithConfig(file.Store),
		blobstore.WithLogger(logger),
		blobstore.WithRegisterer(reg),
	)
	if err != nil {
		logger.Fatal("open store", zap.String("dir", file.DataDir), zap.Error(err))
	}
	return store
}

func serveCmd(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", "", "config yaml")
	dir := flags.String("dir", "", "data directory, overrides the config")
	flags.Parse(args)

	file := loadConfig(*configPath, *dir)
	logger := newLogger(file.LogLevel)
	defer logger.Sync()

	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		logger.Warn("gops agent not started", zap.Error(err))
	}
	defer agent.Close()

	reg := prometheus.NewRegistry()
	store := open(file, logger, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := store.Start(ctx); err != nil {
		logger.Fatal("start background tasks", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	server := &http.Server{Addr: file.MetricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving", zap.String("dir", file.DataDir), zap.String("metrics_addr", file.MetricsAddr))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := store.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("close store", zap.Error(err))
	}
}

func compactCmd(args []string) {
	flags := flag.NewFlagSet("compact", flag.ExitOnError)
	configPath := flags.String("config", "", "config yaml")
	dir := flags.String("dir", "", "data directory, overrides the config")
	flags.Parse(args)

	file := loadConfig(*configPath, *dir)
	logger := newLogger(file.LogLevel)
	defer logger.Sync()

	store := open(file, logger, prometheus.NewRegistry())
	defer store.Close()
	if err := <-store.Compact(); err != nil {
		logger.Fatal("compaction", zap.Error(err))
	}
}

func statsCmd(args []string) {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := flags.String("config", "", "config yaml")
	dir := flags.String("dir", "", "data directory, overrides the config")
	flags.Parse(args)

	file := loadConfig(*configPath, *dir)
	logger := newLogger("error")
	store := open(file, logger, prometheus.NewRegistry())
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(stats)
}
