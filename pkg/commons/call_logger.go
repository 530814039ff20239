// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package commons

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CallLogger writes one rotated log file per call under
// <dir>/<YYYY-MM-DD>/bot_<bot>/call_<key>.log so a single conversation can
// be replayed without grepping the application log.
type CallLogger struct {
	Logger
	sink *lumberjack.Logger
	key  string
}

// NewCallLogger opens the per-call log file and stamps the start marker.
// The caller should fall back to the application logger when this fails.
func NewCallLogger(baseDir, bot, key string, level zapcore.Level) (*CallLogger, error) {
	if baseDir == "" {
		baseDir = "logs"
	}
	dir := filepath.Join(baseDir, time.Now().Format("2006-01-02"), "bot_"+SanitizePathPart(bot))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("call log dir %s: %w", dir, err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "call_"+SanitizePathPart(key)+".log"),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(sink), level)

	logger := &zapLogger{
		SugaredLogger: zap.New(core).Sugar(),
		level:         level,
	}
	logger.Infof("Call started - ID: %s, Bot: %s", key, bot)

	return &CallLogger{Logger: logger, sink: sink, key: key}, nil
}

// Close stamps the end marker and releases the file handle. Safe to call
// on a nil receiver so callers running on the fallback logger need no guard.
func (c *CallLogger) Close() error {
	if c == nil {
		return nil
	}
	c.Infof("Call ended - ID: %s", c.key)
	_ = c.Sync()
	return c.sink.Close()
}

// SanitizePathPart makes an externally supplied identifier (bot name,
// session key) safe to use as a file name component.
func SanitizePathPart(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '@', r == '+':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
