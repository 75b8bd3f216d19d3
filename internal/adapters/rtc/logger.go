package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologFactory routes pion's internal logging into the global zerolog logger.
type zerologFactory struct {
	level zerolog.Level
}

// NewLoggerFactory returns a pion LoggerFactory writing at or above level.
func NewLoggerFactory(level zerolog.Level) logging.LoggerFactory {
	return zerologFactory{level: level}
}

func (f zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.level)
	return &zerologLeveled{l: l}
}

type zerologLeveled struct {
	l zerolog.Logger
}

func (z *zerologLeveled) Trace(msg string) { z.l.Trace().Msg(msg) }
func (z *zerologLeveled) Tracef(format string, args ...interface{}) {
	z.l.Trace().Msgf(format, args...)
}
func (z *zerologLeveled) Debug(msg string) { z.l.Debug().Msg(msg) }
func (z *zerologLeveled) Debugf(format string, args ...interface{}) {
	z.l.Debug().Msgf(format, args...)
}
func (z *zerologLeveled) Info(msg string) { z.l.Info().Msg(msg) }
func (z *zerologLeveled) Infof(format string, args ...interface{}) {
	z.l.Info().Msgf(format, args...)
}
func (z *zerologLeveled) Warn(msg string) { z.l.Warn().Msg(msg) }
func (z *zerologLeveled) Warnf(format string, args ...interface{}) {
	z.l.Warn().Msgf(format, args...)
}
func (z *zerologLeveled) Error(msg string) { z.l.Error().Msg(msg) }
func (z *zerologLeveled) Errorf(format string, args ...interface{}) {
	z.l.Error().Msgf(format, args...)
}
