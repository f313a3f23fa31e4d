package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// ServerConfig 监听与节点信息
type ServerConfig struct {
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
	NodeID   string `mapstructure:"node_id"` // 为空时用主机名
	Mode     string `mapstructure:"mode"`    // gin 模式 debug|release|test
}

// WSConfig 单条 WebSocket 连接的参数
type WSConfig struct {
	ReadLimit   int64         `mapstructure:"read_limit"`
	WriteWait   time.Duration `mapstructure:"write_wait"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	FrameRate   float64       `mapstructure:"frame_rate"`  // 每秒允许的入站帧
	FrameBurst  float64       `mapstructure:"frame_burst"` // 突发上限
}

// SignalingConfig 信令协调器参数
type SignalingConfig struct {
	RequestRetention time.Duration `mapstructure:"request_retention"` // requested 会话最长保留
	TombstoneTTL     time.Duration `mapstructure:"tombstone_ttl"`     // 终态会话保留多久用于去重
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxCallDuration  time.Duration `mapstructure:"max_call_duration"`
	FinalSignalTTL   time.Duration `mapstructure:"final_signal_ttl"` // 错过的 call-end 等待重连补发的时长
	STUNServers      []string      `mapstructure:"stun_servers"`
}

// AuthConfig 鉴权
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"` // 仅本地调试
	InternalToken  string `mapstructure:"internal_token"`  // /internal/* 共享密钥
}

// RedisConfig Redis 连接
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

// MySQLConfig MySQL 连接
type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// KafkaConfig Kafka 通知消费与通话事件发布
type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	GroupID            string   `mapstructure:"group_id"`
	NotificationTopics []string `mapstructure:"notification_topics"`
	CallEventTopic     string   `mapstructure:"call_event_topic"`
}

// RateLimitConfig 按 IP 限制升级请求
type RateLimitConfig struct {
	IPQPS float64 `mapstructure:"ip_qps"`
	Burst float64 `mapstructure:"burst"`
}

// Config 服务总配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WS        WSConfig        `mapstructure:"ws"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       zlog.Config     `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8084)
	v.SetDefault("server.grpc_port", 9084)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.node_id", "")

	v.SetDefault("ws.read_limit", 64*1024)
	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.ping_period", 54*time.Second)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.auth_timeout", 10*time.Second)
	v.SetDefault("ws.frame_rate", 20)
	v.SetDefault("ws.frame_burst", 40)

	v.SetDefault("signaling.request_retention", 2*time.Minute)
	v.SetDefault("signaling.tombstone_ttl", 60*time.Second)
	v.SetDefault("signaling.sweep_interval", 10*time.Second)
	v.SetDefault("signaling.max_call_duration", 4*time.Hour)
	v.SetDefault("signaling.final_signal_ttl", 30*time.Minute)
	v.SetDefault("signaling.stun_servers", []string{"stun:stun.l.google.com:19302"})

	// 只有出现过的 key 才能被 RT_ 环境变量覆盖，敏感项给空默认值
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_anonymous", false)
	v.SetDefault("auth.internal_token", "")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.presence_ttl", 5*time.Minute)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 50)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.group_id", "realtime-service")
	v.SetDefault("kafka.notification_topics", []string{"im.notifications", "im.messages"})
	v.SetDefault("kafka.call_event_topic", "im.call_events")

	v.SetDefault("ratelimit.ip_qps", 5)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("log.service", "realtime-service")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.enable_metric", true)
}

// Env 当前运行环境，APP_ENV 为空时为 dev
func Env() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return "dev"
}

// Load 读取 configs/config.<env>.yaml，环境变量 RT_ 前缀覆盖（RT_REDIS_ADDR → redis.addr）
func Load(env string, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "../configs", "../../configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("RT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.NodeID = host
		} else {
			cfg.Server.NodeID = "localhost"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 启动前的约束检查
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return errors.New("config: auth.jwt_secret is required")
	}
	if c.Auth.InternalToken == "" && !c.Auth.AllowAnonymous {
		return errors.New("config: auth.internal_token is required")
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("config: ws.ping_period (%s) must be shorter than ws.pong_wait (%s)",
			c.WS.PingPeriod, c.WS.PongWait)
	}
	if c.WS.SendBuffer <= 0 {
		return errors.New("config: ws.send_buffer must be positive")
	}
	if c.Signaling.SweepInterval <= 0 || c.Signaling.RequestRetention <= 0 {
		return errors.New("config: signaling intervals must be positive")
	}
	return c.Log.Validate()
}
