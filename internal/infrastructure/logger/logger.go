package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

func init() {
	// Usable before InitLogger runs (tests, early startup)
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// InitLogger initializes the global logger with proper configuration
func InitLogger() {
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	level := zerolog.InfoLevel // default level
	switch logLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))

	logFile := os.Getenv("LOG_FILE")
	var output io.Writer

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal().Err(err).Str("path", logFile).Msg("Failed to open log file")
		}

		if logFormat == "pretty" {
			output = zerolog.MultiLevelWriter(
				zerolog.ConsoleWriter{
					Out:        os.Stdout,
					TimeFormat: time.RFC3339,
					NoColor:    false,
				},
				file, // Also write JSON to file
			)
		} else {
			output = zerolog.MultiLevelWriter(file)
		}
	} else {
		if logFormat == "pretty" {
			output = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
				NoColor:    false,
			}
		} else {
			output = os.Stdout
		}
	}

	hostname, _ := os.Hostname()
	Logger = zerolog.New(output).With().
		Timestamp().
		Str("host", hostname).
		Str("environment", os.Getenv("APP_ENV")).
		Str("service", "tenantfabric").
		Caller().
		Logger()

	zerolog.TimeFieldFormat = time.RFC3339Nano

	Logger.Info().
		Str("level", level.String()).
		Str("format", logFormat).
		Msg("Logger initialized")
}

// TenantLogger adds tenant routing fields to an info event
func TenantLogger(tenantSlug, orgSlug string) *zerolog.Event {
	return Logger.Info().
		Str("component", "tenant").
		Str("tenant", tenantSlug).
		Str("org", orgSlug)
}

// DBLogger adds database specific fields
func DBLogger() *zerolog.Event {
	return Logger.Info().
		Str("component", "database")
}

// MigrationLogger adds schema migration fields
func MigrationLogger() *zerolog.Event {
	return Logger.Info().
		Str("component", "migration")
}
