package logs

import (
	"log"
	"os"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var logLevel = LevelInfo // 全局日志级别

// 底层 log.Logger 实例，按级别区分前缀
var (
	traceLogger   = log.New(os.Stdout, "[TRACE]   ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLogger   = log.New(os.Stdout, "[DEBUG]   ", log.Ldate|log.Ltime|log.Lmicroseconds)
	verboseLogger = log.New(os.Stdout, "[VERBOSE] ", log.Ldate|log.Ltime|log.Lmicroseconds)
	infoLogger    = log.New(os.Stdout, "[INFO]    ", log.Ldate|log.Ltime|log.Lmicroseconds)
	warnLogger    = log.New(os.Stdout, "[WARN]    ", log.Ldate|log.Ltime|log.Lmicroseconds)
	errorLogger   = log.New(os.Stderr, "[ERROR]   ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	logLevel = level
}

// Logger 携带节点地址前缀的日志实例。
// 多节点仿真时每个节点持有自己的 Logger，输出可区分来源。
type Logger struct {
	Addr string // 节点地址（截取前7位作为前缀）
	Role string // 节点角色标记，例如 "H" / "M" / "L"
}

// NewLogger 创建带节点前缀的 Logger
func NewLogger(addr, role string) Logger {
	return Logger{Addr: addr, Role: role}
}

func (l Logger) prefix() string {
	addr := l.Addr
	if len(addr) > 7 {
		addr = addr[:7]
	}
	if l.Role == "" {
		return addr + " "
	}
	return l.Role + " " + addr + " "
}

func (l Logger) Trace(format string, v ...interface{}) {
	if logLevel <= LevelTrace {
		traceLogger.Printf(l.prefix()+format, v...)
	}
}

func (l Logger) Debug(format string, v ...interface{}) {
	if logLevel <= LevelDebug {
		debugLogger.Printf(l.prefix()+format, v...)
	}
}

func (l Logger) Verbose(format string, v ...interface{}) {
	if logLevel <= LevelVerbose {
		verboseLogger.Printf(l.prefix()+format, v...)
	}
}

func (l Logger) Info(format string, v ...interface{}) {
	if logLevel <= LevelInfo {
		infoLogger.Printf(l.prefix()+format, v...)
	}
}

func (l Logger) Warn(format string, v ...interface{}) {
	if logLevel <= LevelWarning {
		warnLogger.Printf(l.prefix()+format, v...)
	}
}

func (l Logger) Error(format string, v ...interface{}) {
	if logLevel <= LevelError {
		errorLogger.Printf(l.prefix()+format, v...)
	}
}

// 包级默认 Logger（单节点进程使用）
var defaultLogger Logger

// SetDefaultLogger 设置包级默认 Logger 的前缀信息
func SetDefaultLogger(l Logger) {
	defaultLogger = l
}

// 包级别的日志方法，走默认 Logger
func Trace(format string, v ...interface{})   { defaultLogger.Trace(format, v...) }
func Debug(format string, v ...interface{})   { defaultLogger.Debug(format, v...) }
func Verbose(format string, v ...interface{}) { defaultLogger.Verbose(format, v...) }
func Info(format string, v ...interface{})    { defaultLogger.Info(format, v...) }
func Warn(format string, v ...interface{})    { defaultLogger.Warn(format, v...) }
func Error(format string, v ...interface{})   { defaultLogger.Error(format, v...) }
