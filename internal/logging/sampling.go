package logging

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// SamplingConfig bounds log volume on a hot path. Error and above are never
// sampled.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// newSampledCore wraps core with level-aware sampling: entries below Error
// pass through a zap sampler, errors bypass it entirely.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errorCore := &levelFilterCore{Core: core, minLevel: zapcore.ErrorLevel}
	belowErrorCore := &levelFilterCore{Core: core, maxLevel: zapcore.WarnLevel}

	sampled := zapcore.NewSamplerWithOptions(
		belowErrorCore, cfg.Tick, cfg.Initial, cfg.Thereafter)

	return zapcore.NewTee(errorCore, sampled)
}

// levelFilterCore restricts a core to a level range. A zero min or max means
// unbounded on that side.
type levelFilterCore struct {
	zapcore.Core
	minLevel zapcore.Level
	maxLevel zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if c.minLevel != 0 && lvl < c.minLevel {
		return false
	}
	if c.maxLevel != 0 && lvl > c.maxLevel {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:     c.Core.With(fields),
		minLevel: c.minLevel,
		maxLevel: c.maxLevel,
	}
}
