package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"onereader/internal/app"
	"onereader/internal/config"
	"onereader/internal/server"
	"onereader/internal/util"
)

func main() {
	path := os.Getenv("READER_CONFIG")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabasePath:  cfg.DatabasePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RemoteBaseURL: cfg.RemoteBaseURL,
		RemoteToken:   cfg.RemoteToken,
		CacheEntries:  cfg.CacheEntries,
		BatchLimit:    cfg.BatchLimit,
		Dwell:         time.Duration(cfg.DwellSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:               appCore,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // trim streaming holds responses open
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("reader server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
