package main

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func mapEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestReadLogSettings(t *testing.T) {
	settings := readLogSettings(mapEnv(map[string]string{
		"ESCROW_LOG_FORMAT": " JSON ",
		"ESCROW_LOG_LEVEL":  "debug",
		"ESCROW_LOG_FILE":   "/var/log/escrow.log",
	}))
	require.Equal(t, logSettings{Format: "json", Level: "debug", File: "/var/log/escrow.log"}, settings)
}

func TestSetupLogger_Defaults(t *testing.T) {
	logger := log.New()
	closeFn, err := setupLogger(logger, logSettings{})
	require.NoError(t, err)
	require.NoError(t, closeFn())

	require.Equal(t, log.InfoLevel, logger.GetLevel())
	formatter, ok := logger.Formatter.(*log.TextFormatter)
	require.True(t, ok)
	require.True(t, formatter.FullTimestamp)
}

func TestSetupLogger_JSONAndLevel(t *testing.T) {
	logger := log.New()
	_, err := setupLogger(logger, logSettings{Format: "json", Level: "warn"})
	require.NoError(t, err)

	require.Equal(t, log.WarnLevel, logger.GetLevel())
	require.IsType(t, &log.JSONFormatter{}, logger.Formatter)
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	_, err := setupLogger(log.New(), logSettings{Level: "chatty"})
	require.Error(t, err)
}

func TestSetupLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.log")
	logger := log.New()

	closeFn, err := setupLogger(logger, logSettings{Format: "json", File: path})
	require.NoError(t, err)
	logger.WithField("order_id", 1001).Info("escrow transition committed")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"order_id":1001`)
}
