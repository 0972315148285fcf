// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log 基于 zap 的结构化日志，文件输出由 lumberjack 负责轮转
package log

import (
	"os"
	"sync"

	"metaEmbed/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger 全局日志实例
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Logger 结构化日志器
type Logger struct {
	zap     *zap.Logger
	sugar   *zap.SugaredLogger
	config  *Config
	closers []*lumberjack.Logger
}

// Config 日志配置
type Config struct {
	// Level 日志级别: debug, info, warn, error, dpanic, panic, fatal
	Level string

	// OutputPaths 日志输出路径（支持多个），stdout/stderr 以外的路径按文件轮转
	OutputPaths []string

	// ErrorOutputPaths 错误日志输出路径，只记录 Error 及以上
	ErrorOutputPaths []string

	// Encoding 编码格式: json 或 console
	Encoding string

	// Development 是否开发模式
	Development bool

	// DisableCaller 是否禁用调用者信息
	DisableCaller bool

	// DisableStacktrace 是否禁用堆栈跟踪
	DisableStacktrace bool

	// Rotation 文件轮转参数
	Rotation Rotation
}

// Rotation 文件轮转参数
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Level:            "info",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		Encoding:         "console",
		Rotation:         Rotation{MaxSizeMB: 100, MaxBackups: 10, MaxAgeDays: 30},
	}
}

// FromConfig 将 config.LogConfig 转换为 log.Config
func FromConfig(cfg config.LogConfig) *Config {
	return &Config{
		Level:            cfg.Level,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		Encoding:         cfg.Encoding,
		Rotation: Rotation{
			MaxSizeMB:  cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAgeDays: cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		},
	}
}

// NewLogger 创建新的日志器
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// 解析日志级别
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	newEncoder := func() zapcore.Encoder {
		if cfg.Encoding == "json" {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	l := &Logger{config: cfg}
	var cores []zapcore.Core

	for _, path := range cfg.OutputPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(), l.writer(path), level))
	}

	// 错误输出路径
	for _, path := range cfg.ErrorOutputPaths {
		if contains(cfg.OutputPaths, path) {
			continue // 避免重复
		}
		cores = append(cores, zapcore.NewCore(newEncoder(), l.writer(path), zapcore.ErrorLevel))
	}

	var opts []zap.Option
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	l.zap = zap.New(zapcore.NewTee(cores...), opts...)
	l.sugar = l.zap.Sugar()
	return l, nil
}

// writer 获取输出 Writer，文件路径交给 lumberjack 轮转
func (l *Logger) writer(path string) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.config.Rotation.MaxSizeMB,
		MaxBackups: l.config.Rotation.MaxBackups,
		MaxAge:     l.config.Rotation.MaxAgeDays,
		Compress:   l.config.Rotation.Compress,
		LocalTime:  true,
	}
	l.closers = append(l.closers, lj)
	return zapcore.AddSync(lj)
}

// Zap 返回底层 zap.Logger，供各组件注入
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sugar 返回格式化日志接口
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// With 添加字段（返回新的 logger）
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(fields...)
	return &Logger{zap: z, sugar: z.Sugar(), config: l.config, closers: l.closers}
}

// Named 创建命名子日志器
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{zap: z, sugar: z.Sugar(), config: l.config, closers: l.closers}
}

// Rotate 立即轮转所有文件输出
func (l *Logger) Rotate() error {
	for _, lj := range l.closers {
		if err := lj.Rotate(); err != nil {
			return err
		}
	}
	return nil
}

// Sync 同步日志缓冲区
func (l *Logger) Sync() error {
	// stdout/stderr 上的 Sync 在部分平台返回 EINVAL，忽略
	_ = l.zap.Sync()
	return nil
}

// Close 同步并关闭文件输出
func (l *Logger) Close() error {
	_ = l.Sync()
	var firstErr error
	for _, lj := range l.closers {
		if err := lj.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Infof 格式化 Info 日志
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// Errorf 格式化 Error 日志
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

// ReplaceGlobalLogger 替换全局日志器，返回旧值
func ReplaceGlobalLogger(logger *Logger) *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	prev := globalLogger
	globalLogger = logger
	return prev
}

// GetLogger 获取全局日志器，未设置时返回 Nop
func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar(), config: DefaultConfig()}
}

// contains 检查字符串切片是否包含元素
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
