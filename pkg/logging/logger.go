// Package logging backs core.ILogger with zap. Entries tee to the console
// and, through the otelzap bridge, to whatever OpenTelemetry log provider
// is installed globally; without one the bridge is a no-op.
package logging

import (
	"fmt"
	"os"
	"strings"

	"funding_arb/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to core.ILogger's key-value call style.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console logger at the given level (DEBUG, INFO,
// WARN, ERROR or FATAL; anything else means INFO) bridged into OTel.
func NewZapLogger(level string) (*ZapLogger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		parseLevel(level),
	)
	bridge := otelzap.NewCore("funding_arb", otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(console, bridge), zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zap.DebugLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "FATAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// kvFields pairs up variadic key-value arguments. A key that is not a
// string is stringified; a trailing value without a key is dropped.
func kvFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, kvFields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, kvFields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, kvFields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, kvFields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, kvFields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered entries. Stdout rejects sync on some platforms, so
// callers usually discard the error.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var globalLogger core.ILogger

func init() {
	globalLogger, _ = NewZapLogger("INFO")
}

// SetGlobalLogger replaces the logger behind the package-level helpers.
func SetGlobalLogger(logger core.ILogger) { globalLogger = logger }

// GetGlobalLogger returns the logger behind the package-level helpers.
func GetGlobalLogger() core.ILogger { return globalLogger }

// Package-level helpers for call sites without an injected logger.

func Debug(msg string, kv ...interface{}) { globalLogger.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { globalLogger.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { globalLogger.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { globalLogger.Error(msg, kv...) }
func Fatal(msg string, kv ...interface{}) { globalLogger.Fatal(msg, kv...) }
