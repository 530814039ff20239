// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package commons

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface shared by every component. It is a thin
// cut of zap's sugared API so call sites stay terse and tests can swap in
// a capture implementation.
type Logger interface {
	Level() zapcore.Level
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalf(template string, args ...interface{})
	Sync() error
}

const (
	appLogName    = "app.log"
	logMaxSizeMB  = 10
	logMaxBackups = 3
)

type zapLogger struct {
	*zap.SugaredLogger
	level zapcore.Level
}

func (l *zapLogger) Level() zapcore.Level { return l.level }

// LoggerOption configures NewApplicationLogger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level  zapcore.Level
	logDir string
}

// WithLevel sets the minimum level emitted by the logger.
func WithLevel(level zapcore.Level) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithLogDir sets the directory holding the rotated application log.
// An empty directory disables the file sink.
func WithLogDir(dir string) LoggerOption {
	return func(o *loggerOptions) {
		o.logDir = dir
	}
}

// NewApplicationLogger builds the process-wide logger: console output plus,
// when a log directory is configured, a size-rotated app.log.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	options := &loggerOptions{level: zapcore.InfoLevel}
	for _, o := range opts {
		o(options)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), options.level),
	}

	if options.logDir != "" {
		if err := os.MkdirAll(options.logDir, 0o755); err != nil {
			return nil, err
		}
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(options.logDir, appLogName),
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
		})
		cores = append(cores, zapcore.NewCore(consoleEncoder, fileSink, options.level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{SugaredLogger: logger.Sugar(), level: options.level}, nil
}
