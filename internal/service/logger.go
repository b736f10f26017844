package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 全局日志，各组件使用它的子 logger:
// service.Logger.With(zap.String("Component", "ingest"))
var Logger = zap.NewNop()

// InitLogger 初始化高性能的 Zap 日志 (JSON)，
// 未知级别按 info 处理
func InitLogger(level string) {
	config := zap.NewProductionConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	lvl, parseErr := zapcore.ParseLevel(level)
	if parseErr != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	if lvl == zapcore.DebugLevel {
		config.Development = true
	}

	var err error
	Logger, err = config.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	if parseErr != nil && level != "" {
		Logger.Warn("unknown log level, using info", zap.String("Level", level))
	}
}
