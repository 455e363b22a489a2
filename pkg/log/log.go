package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShard creates a child logger with shard_id field
func WithShard(shardID string) zerolog.Logger {
	return Logger.With().Str("shard_id", shardID).Logger()
}

// WithReplica creates a child logger with replica_id field
func WithReplica(replicaID string) zerolog.Logger {
	return Logger.With().Str("replica_id", replicaID).Logger()
}

// WithTxn creates a child logger with txn_id field
func WithTxn(txnID string) zerolog.Logger {
	return Logger.With().Str("txn_id", txnID).Logger()
}

// WithConn creates a child logger with conn_id field, for coordinator
// session/command logging keyed by the caller's connection id.
func WithConn(connID string) zerolog.Logger {
	return Logger.With().Str("conn_id", connID).Logger()
}
