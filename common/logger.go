package common

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	confLoggerLevel = "conduit.log.level"
	confLoggerFile  = "conduit.log.file"
	confLoggerJson  = "conduit.log.json"
)

const (
	defaultLoggerLevel = "info"
)

type Logger interface {
	Debug(string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})

	// Returns a logger whose messages are prefixed with the formatted value.
	Fmt(string, ...interface{}) Logger

	Sync() error
}

type standardLogger struct {
	raw *zap.SugaredLogger
}

// Builds a zap backed logger.  Output goes to stderr unless a log file
// is configured, in which case the file is rotated by lumberjack.
func NewStandardLogger(c Config) Logger {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Optional(confLoggerLevel, defaultLoggerLevel)) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	var encoder zapcore.Encoder
	if c.OptionalBool(confLoggerJson, false) {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	var out zapcore.WriteSyncer
	if file := c.Optional(confLoggerFile, ""); file != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
		})
	} else {
		out = zapcore.Lock(os.Stderr)
	}

	return &standardLogger{zap.New(zapcore.NewCore(encoder, out, level)).Sugar()}
}

// A logger that drops everything.  Mostly useful in tests.
func NewNopLogger() Logger {
	return &standardLogger{zap.NewNop().Sugar()}
}

func (s *standardLogger) Debug(format string, vals ...interface{}) {
	s.raw.Debugf(format, vals...)
}

func (s *standardLogger) Info(format string, vals ...interface{}) {
	s.raw.Infof(format, vals...)
}

func (s *standardLogger) Error(format string, vals ...interface{}) {
	s.raw.Errorf(format, vals...)
}

func (s *standardLogger) Fmt(format string, vals ...interface{}) Logger {
	return &formattedLogger{s, fmt.Sprintf(format, vals...)}
}

func (s *standardLogger) Sync() error {
	return s.raw.Sync()
}

type formattedLogger struct {
	log Logger
	fmt string
}

func (s *formattedLogger) Debug(format string, vals ...interface{}) {
	s.log.Debug(fmt.Sprintf("%v: %v", s.fmt, format), vals...)
}

func (s *formattedLogger) Info(format string, vals ...interface{}) {
	s.log.Info(fmt.Sprintf("%v: %v", s.fmt, format), vals...)
}

func (s *formattedLogger) Error(format string, vals ...interface{}) {
	s.log.Error(fmt.Sprintf("%v: %v", s.fmt, format), vals...)
}

func (s *formattedLogger) Fmt(format string, vals ...interface{}) Logger {
	return &formattedLogger{s, fmt.Sprintf(format, vals...)}
}

func (s *formattedLogger) Sync() error {
	return s.log.Sync()
}
