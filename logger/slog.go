package logger

import "log/slog"

// SlogLogger adapts a standard library slog.Logger, for hosts that
// already run slog and want engine output in the same stream.
type SlogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debug(msg string, keyvals ...any) { s.l.Debug(msg, keyvals...) }
func (s *SlogLogger) Info(msg string, keyvals ...any)  { s.l.Info(msg, keyvals...) }
func (s *SlogLogger) Error(msg string, keyvals ...any) { s.l.Error(msg, keyvals...) }
