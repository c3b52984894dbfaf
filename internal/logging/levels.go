package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug for ultra-verbose logging:
// per-candidate match scores, wire payloads, journal lines. Almost always
// filtered in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, supporting "trace" in addition to
// zap's built-in names.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
