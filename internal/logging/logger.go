// Package logging 提供基于 dragonboat logger.ILogger 的分级日志，
// 每个组件通过 Options 显式拿到自己的 logger，不依赖全局工厂。
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// rpcLogger 的级别可在使用中调整
type rpcLogger struct {
	name   string
	level  atomic.Int32
	logger *log.Logger
}

func newLogger(name string, level logger.LogLevel, out *log.Logger) *rpcLogger {
	l := &rpcLogger{name: name, logger: out}
	l.level.Store(int32(level))
	return l
}

func (l *rpcLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *rpcLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *rpcLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *rpcLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *rpcLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *rpcLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

// Panicf 总是先落日志再 panic，致命错误不受级别过滤
func (l *rpcLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", "FATAL", l.name, msg)
	panic(msg)
}

func (l *rpcLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// Default 返回写 stdout、INFO 级别的 logger
func Default(name string) logger.ILogger {
	return newLogger(name, logger.INFO, log.New(os.Stdout, "", log.Ldate|log.Lmicroseconds))
}

// Discard 丢弃所有输出，测试里常用
func Discard(name string) logger.ILogger {
	return newLogger(name, logger.CRITICAL, log.New(nopWriter{}, "", 0))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// ParseLevel 将 debug/info/warn/error 转为 logger.LogLevel
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "", "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("logging: invalid log level %q, must be one of debug, info, warn, error", level)
	}
}
