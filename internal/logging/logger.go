package logging

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogLevelEnvVar is the environment variable that controls logging verbosity.
// When unset or empty, logging is silent (no zap output).
// Valid values: "debug", "info", "warn", "error"
const LogLevelEnvVar = "LOXCLIENT_LOG_LEVEL"

// Initialize creates a new logger with the specified level.
// If level is empty, it checks LOXCLIENT_LOG_LEVEL environment variable.
// If neither is set, logging is disabled (silent mode).
func Initialize(level string) error {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}

	if level == "" {
		logger = zap.NewNop()
		return nil
	}

	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var err error
	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// InitializeFromEnv initializes the logger from the LOXCLIENT_LOG_LEVEL
// environment variable.
func InitializeFromEnv() error {
	return Initialize("")
}

// SetLogger replaces the global logger. A nil logger restores silent mode.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Silent until Initialize is called, so library users get no surprise output
		logger = zap.NewNop()
	}
	return logger
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// LogStateChange logs a client state transition
func LogStateChange(host, from, to string) {
	Info("State changed",
		zap.String("host", host),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// LogCommand logs an outgoing command, masking the encrypted payload.
func LogCommand(command string, encrypted string) {
	if command == "keepalive" {
		Debug("Sending keepalive")
		return
	}
	fields := []zap.Field{zap.String("command", command)}
	if encrypted != "" {
		fields = append(fields, zap.String("wire", MaskCommand(encrypted)))
	}
	Info("Sending command", fields...)
}

// LogFrame logs raw frame bytes at debug level
func LogFrame(label string, data []byte) {
	if !GetLogger().Core().Enabled(zapcore.DebugLevel) {
		return
	}
	Debug(label,
		zap.Int("length", len(data)),
		zap.String("hex", hexDump(data)),
	)
}

var encPattern = regexp.MustCompile(`(jdev/sys/enc/)(.{8}).*`)

// MaskCommand keeps the jdev/sys/enc/ prefix and eight payload characters of
// an encrypted command and drops the rest.
func MaskCommand(command string) string {
	return encPattern.ReplaceAllString(command, "${1}${2}...")
}

// MaskedProperties are the JSON properties replaced by MaskJSON.
var MaskedProperties = []string{"token", "key", "password", "salt"}

// MaskJSON replaces the string values of sensitive JSON properties.
func MaskJSON(input string) string {
	for _, prop := range MaskedProperties {
		pattern := regexp.MustCompile(`("` + regexp.QuoteMeta(prop) + `":\s*")([^"]+)(")`)
		input = pattern.ReplaceAllString(input, "${1}***masked***${3}")
	}
	return input
}

func hexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) > 256 {
		return hex.EncodeToString(data[:256]) + "..."
	}
	return hex.EncodeToString(data)
}

// Sync flushes any buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
