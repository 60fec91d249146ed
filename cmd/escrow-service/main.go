package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vladislavdragonenkov/escrow/internal/app"
	"github.com/vladislavdragonenkov/escrow/internal/version"
)

// logSettings — параметры логирования из окружения.
type logSettings struct {
	Format string
	Level  string
	File   string
}

func readLogSettings(getenv func(string) string) logSettings {
	return logSettings{
		Format: strings.ToLower(strings.TrimSpace(getenv("ESCROW_LOG_FORMAT"))),
		Level:  strings.TrimSpace(getenv("ESCROW_LOG_LEVEL")),
		File:   strings.TrimSpace(getenv("ESCROW_LOG_FILE")),
	}
}

// setupLogger настраивает формат, уровень и вывод логов. Возвращает функцию закрытия файла.
func setupLogger(logger *log.Logger, settings logSettings) (func() error, error) {
	if settings.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if settings.Level != "" {
		parsed, err := log.ParseLevel(settings.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	logger.SetLevel(level)

	if settings.File == "" {
		return func() error { return nil }, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   settings.File,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator.Close, nil
}

func main() {
	closeLog, err := setupLogger(log.StandardLogger(), readLogSettings(os.Getenv))
	if err != nil {
		log.WithError(err).Fatal("некорректные настройки логирования")
	}
	defer func() { _ = closeLog() }()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("не удалось загрузить конфигурацию")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"storage_driver": cfg.StorageDriver,
		"minimum_amount": cfg.MinimumAmount,
	}).Info("запускаем escrow-сервис")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("приложение завершилось с ошибкой")
		_ = closeLog()
		os.Exit(1)
	}

	log.Info("escrow-сервис остановлен")
}
