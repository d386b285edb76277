package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L 全局日志, Init 之前为 Nop
var L = zap.NewNop()

// Init 按运行模式初始化日志, release 输出 JSON, 其他模式输出彩色开发日志
func Init(mode string) error {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}

	L = logger
	return nil
}

func Sync() {
	if L != nil {
		_ = L.Sync()
	}
}
