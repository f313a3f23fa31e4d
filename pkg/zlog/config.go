package zlog

import (
	"fmt"
	"strings"
)

// FileConfig 本地轮转文件策略
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，为空则不落盘
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`
}

// Config 日志配置，作为主配置里的 log 节点
type Config struct {
	Service      string     `mapstructure:"service"`
	Level        string     `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"` // json|console
	Development  bool       `mapstructure:"development"`
	Stdout       bool       `mapstructure:"stdout"`
	File         FileConfig `mapstructure:"file"`
	EnableMetric bool       `mapstructure:"enable_metric"`
}

// DefaultConfig 本地开发用的默认值
func DefaultConfig(service string) Config {
	return Config{
		Service:      service,
		Level:        "info",
		Encoding:     "console",
		Development:  true,
		Stdout:       true,
		EnableMetric: false,
	}
}

// Validate 严格校验并补齐文件相关默认值
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("log config: service is required")
	}

	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log config: level must be debug/info/warn/error, got %q", c.Level)
	}

	switch strings.ToLower(c.Encoding) {
	case "json", "console":
	default:
		return fmt.Errorf("log config: encoding must be json/console, got %q", c.Encoding)
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("log config: file.path is required when stdout is false")
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 30
		}
	}
	return nil
}
