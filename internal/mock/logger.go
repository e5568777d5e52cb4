package mock

import "funding_arb/internal/core"

// NopLogger discards everything. Tests use it where log output is noise.
type NopLogger struct{}

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() core.ILogger { return &NopLogger{} }

func (l *NopLogger) Debug(msg string, fields ...interface{})               {}
func (l *NopLogger) Info(msg string, fields ...interface{})                {}
func (l *NopLogger) Warn(msg string, fields ...interface{})                {}
func (l *NopLogger) Error(msg string, fields ...interface{})               {}
func (l *NopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *NopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *NopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }
