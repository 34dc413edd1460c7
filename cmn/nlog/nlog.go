// Package nlog is the engine's leveled logger. It is deliberately tiny:
// a single package-level level gate plus formatted writes to stderr,
// the same shape aistore's cmn/nlog takes for its hot-path logging.
package nlog

import (
	"fmt"
	"os"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	default:
		return "ERROR"
	}
}

var current = LevelInfo

func init() {
	switch os.Getenv("ASCEND_GLOBAL_LOG_LEVEL") {
	case "0":
		current = LevelDebug
	case "1":
		current = LevelInfo
	case "2":
		current = LevelWarning
	case "3":
		current = LevelError
	}
}

// SetLevel overrides the level derived from ASCEND_GLOBAL_LOG_LEVEL; tests
// use this to quiet or unquiet output deterministically.
func SetLevel(l Level) { current = l }

func enabled(l Level) bool { return l >= current }

func write(l Level, format string, args ...any) {
	if !enabled(l) {
		return
	}
	ts := time.Now().Format("15:04:05.000000")
	fmt.Fprintf(os.Stderr, "%s %-7s %s\n", ts, l, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { write(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { write(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { write(LevelWarning, format, args...) }
func Errorf(format string, args ...any) { write(LevelError, format, args...) }

func Infoln(args ...any)  { write(LevelInfo, "%s", fmt.Sprint(args...)) }
func Warnln(args ...any)  { write(LevelWarning, "%s", fmt.Sprint(args...)) }
func Errorln(args ...any) { write(LevelError, "%s", fmt.Sprint(args...)) }
