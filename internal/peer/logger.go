package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory bridges pion's internal logging onto slog so ICE/DTLS
// diagnostics land in the same stream as the rest of the process.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.log.With("scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) Trace(msg string)                  { l.log.Debug(msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Info(msg string)                   { l.log.Info(msg) }
func (l slogLeveledLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Error(msg string)                  { l.log.Error(msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
