package ws

import (
	"time"

	"github.com/EthanQC/IM/services/realtime_service/internal/config"
)

// Options 单连接参数
type Options struct {
	ReadLimit   int64
	WriteWait   time.Duration
	PongWait    time.Duration
	PingPeriod  time.Duration // 必须小于 PongWait
	SendBuffer  int
	AuthTimeout time.Duration
	FrameRate   float64
	FrameBurst  float64
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		ReadLimit:   64 * 1024,
		WriteWait:   10 * time.Second,
		PongWait:    60 * time.Second,
		PingPeriod:  54 * time.Second,
		SendBuffer:  256,
		AuthTimeout: 10 * time.Second,
		FrameRate:   20,
		FrameBurst:  40,
	}
}

// OptionsFromConfig 从配置构造
func OptionsFromConfig(cfg config.WSConfig) Options {
	return Options{
		ReadLimit:   cfg.ReadLimit,
		WriteWait:   cfg.WriteWait,
		PongWait:    cfg.PongWait,
		PingPeriod:  cfg.PingPeriod,
		SendBuffer:  cfg.SendBuffer,
		AuthTimeout: cfg.AuthTimeout,
		FrameRate:   cfg.FrameRate,
		FrameBurst:  cfg.FrameBurst,
	}
}
