package zlog

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New 创建一个 *zap.Logger，不替换全局
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Encoding) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, buildWriteSyncer(cfg), dynamicLevel)
	if cfg.EnableMetric {
		core = metricsCore{Core: core, service: cfg.Service}
	}

	allOpts := append([]zap.Option{
		zap.AddCaller(),
		zap.Fields(zap.String("service", cfg.Service)),
	}, opts...)

	return zap.New(core, allOpts...), nil
}

// MustInitGlobal 创建 logger 并替换 zap 全局实例，SIGHUP 在 debug/info 之间切换
func MustInitGlobal(cfg Config) *zap.Logger {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	watchSIGHUP()
	return l
}

func watchSIGHUP() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for range c {
			if GetLevel() == "debug" {
				SetLevel("info")
			} else {
				SetLevel("debug")
			}
			zap.L().Info("log level toggled", zap.String("now", GetLevel()))
		}
	}()
}

// buildWriteSyncer 终端 + 轮转文件
func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer
	if cfg.Stdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if p := cfg.File.Path; p != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   p,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}))
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}
