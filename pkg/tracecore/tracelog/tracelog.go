// Package tracelog centralizes logging for every CORE package, exactly as
// the teacher centralizes logging in pkg/util/log and calls
// level.Info(log.Logger).Log("msg", ..., "k", v) rather than fmt.Println or
// the stdlib log package.
package tracelog

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the package-level logger every tracecore package logs through.
// It defaults to a no-op logger so library code never panics on a missing
// logger in tests; callers (typically modules/tracemanager) install a real
// one at process start via SetLogger.
var Logger log.Logger = log.NewNopLogger()

// SetLogger installs l as the logger every tracecore package uses from this
// point on.
func SetLogger(l log.Logger) {
	Logger = l
}

// Debug, Info, Warn and Error are thin wraps over go-kit/log/level so call
// sites read the same as the teacher's (level.Info(log.Logger).Log(...)).
func Debug(keyvals ...interface{}) { level.Debug(Logger).Log(keyvals...) }
func Info(keyvals ...interface{})  { level.Info(Logger).Log(keyvals...) }
func Warn(keyvals ...interface{})  { level.Warn(Logger).Log(keyvals...) }
func Error(keyvals ...interface{}) { level.Error(Logger).Log(keyvals...) }
