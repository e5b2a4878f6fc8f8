// Package logging provides the small set of logging helpers used across the
// server. The helpers (Info, Warning, Error, Debug, Request, DebugSession)
// mirror the teacher repository's LogInfo/LogError/LogDebug/... helpers and
// their env-var gating; the implementation is backed by zap instead of
// fmt.Printf.
package logging

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.SugaredLogger

func init() {
	level := zapcore.InfoLevel
	if os.Getenv("LOG_DEBUG") == "YES" {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stdout),
		level,
	)

	base = zap.New(core).Sugar()
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = base.Sync()
}

func Info(msg string, kv ...interface{}) {
	base.Infow(msg, kv...)
}

func Warning(msg string, kv ...interface{}) {
	base.Warnw(msg, kv...)
}

func Error(err error, kv ...interface{}) {
	if err == nil {
		return
	}
	base.Errorw(err.Error(), kv...)
}

var debugEnabled = os.Getenv("LOG_DEBUG") == "YES"

func Debug(msg string, kv ...interface{}) {
	if !debugEnabled {
		return
	}
	base.Debugw(msg, kv...)
}

var requestsEnabled = os.Getenv("LOG_REQUESTS") != "NO"

// Request logs a per-connection event, tagged with the session id and peer
// address the way the teacher's LogRequest does.
func Request(sessionID uint64, ip string, msg string) {
	if !requestsEnabled {
		return
	}
	base.Infow(msg, "session_id", strconv.FormatUint(sessionID, 10), "ip", ip)
}

// DebugSession is the debug-level counterpart of Request.
func DebugSession(sessionID uint64, ip string, msg string) {
	if !debugEnabled {
		return
	}
	base.Debugw(msg, "session_id", strconv.FormatUint(sessionID, 10), "ip", ip)
}
