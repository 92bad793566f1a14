package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EncodingJSON emits one JSON object per entry (server default).
	EncodingJSON = "json"
	// EncodingConsole emits human readable entries for interactive tools.
	EncodingConsole = "console"
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	return NewLoggerWithEncoding(level, EncodingJSON)
}

// NewLoggerWithEncoding returns a production logger using the requested encoding.
// Unknown encodings fall back to JSON.
func NewLoggerWithEncoding(level string, encoding string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	if strings.EqualFold(strings.TrimSpace(encoding), EncodingConsole) {
		cfg.Encoding = EncodingConsole
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.OutputPaths = []string{"stderr"}
	}

	return cfg.Build()
}

// ParseLevel maps a textual level onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
