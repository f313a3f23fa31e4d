package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	httpadapter "github.com/EthanQC/IM/services/realtime_service/internal/adapters/in/http"
	"github.com/EthanQC/IM/services/realtime_service/internal/adapters/in/ws"
	"github.com/EthanQC/IM/services/realtime_service/internal/adapters/out/db"
	"github.com/EthanQC/IM/services/realtime_service/internal/adapters/out/metrics"
	"github.com/EthanQC/IM/services/realtime_service/internal/adapters/out/mq"
	redisRepo "github.com/EthanQC/IM/services/realtime_service/internal/adapters/out/redis"
	"github.com/EthanQC/IM/services/realtime_service/internal/application"
	"github.com/EthanQC/IM/services/realtime_service/internal/config"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/jwt"
	"github.com/EthanQC/IM/services/realtime_service/pkg/ratelimit"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

const healthService = "im.realtime"

func main() {
	env := config.Env()
	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := zlog.MustInitGlobal(cfg.Log)
	defer logger.Sync()
	logger.Info("realtime_service starting", zap.String("env", env), zap.String("node_id", cfg.Server.NodeID))

	if err := run(cfg); err != nil {
		logger.Fatal("realtime_service exited with error", zap.Error(err))
	}
	logger.Info("Server exited properly")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := zap.L()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	zlog.RegisterMetrics(reg)
	m := metrics.NewPrometheus(reg)

	// 外部依赖，未配置时降级为纯内存模式
	var (
		presenceRepo out.PresenceRepository
		blacklist    out.TokenBlacklist
		directory    out.UserDirectory
		publisher    out.CallEventPublisher
	)
	if cfg.Redis.Addr != "" {
		client, err := redisRepo.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		presenceRepo = redisRepo.NewPresenceRepositoryRedis(client, cfg.Redis.PresenceTTL)
		blacklist = redisRepo.NewTokenBlacklistRedis(client)
	} else {
		logger.Warn("redis not configured, presence mirror and token blacklist disabled")
	}
	if cfg.MySQL.DSN != "" {
		database, err := db.Open(cfg.MySQL)
		if err != nil {
			return err
		}
		directory = db.NewUserDirectoryMySQL(database)
	} else {
		logger.Warn("mysql not configured, account checks and caller names disabled")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = mq.NewKafkaCallEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.CallEventTopic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close call event publisher failed", zap.Error(err))
			}
		}()
	}

	// 应用层
	registry := application.NewConnectionRegistry(m)
	presence := application.NewPresenceBroadcaster(registry, presenceRepo, cfg.Server.NodeID, nil)
	coordinator := application.NewSignalingCoordinator(application.SignalingConfig{
		RequestRetention: cfg.Signaling.RequestRetention,
		TombstoneTTL:     cfg.Signaling.TombstoneTTL,
		SweepInterval:    cfg.Signaling.SweepInterval,
		MaxCallDuration:  cfg.Signaling.MaxCallDuration,
		FinalSignalTTL:   cfg.Signaling.FinalSignalTTL,
	}, registry, publisher, m, nil)
	// user_list 先到，补发的终态信令在后
	registry.SetListener(application.PresenceListeners{presence, coordinator})
	notifications := application.NewNotificationDispatcher(registry, directory, m)
	router := application.NewMessageRouter(presence, coordinator, notifications, m)
	auth := application.NewSessionValidator(jwt.NewManager(cfg.Auth.JWTSecret), blacklist, directory, cfg.Auth.AllowAnonymous)

	var consumer out.EventConsumer
	if len(cfg.Kafka.Brokers) > 0 {
		c, err := mq.NewKafkaNotificationConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationTopics, notifications)
		if err != nil {
			// 通知推送不是核心路径，Kafka 不可用时照常提供信令
			logger.Warn("init kafka consumer failed", zap.Error(err))
		} else {
			consumer = c
		}
	}

	// 入站适配器
	wsServer := ws.NewServer(ws.OptionsFromConfig(cfg.WS), auth, registry, router, presence, m)
	limiter := ratelimit.NewKeyedLimiter(cfg.RateLimit.IPQPS, cfg.RateLimit.Burst)

	gin.SetMode(cfg.Server.Mode)
	engine := httpadapter.NewRouter(httpadapter.Deps{
		WS:            wsServer,
		Conns:         registry,
		Signaling:     coordinator,
		Notifications: notifications,
		Presence:      presence,
		Connections:   wsServer.Connections,
		Frames:        m.Frames,
		Limiter:       limiter,
		Gatherer:      reg,
		InternalToken: cfg.Auth.InternalToken,
		STUNServers:   cfg.Signaling.STUNServers,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		coordinator.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Cleanup(10 * time.Minute); n > 0 {
					logger.Debug("rate limiter buckets cleaned", zap.Int("removed", n))
				}
			}
		}
	})

	if consumer != nil {
		if err := consumer.Start(gctx); err != nil {
			logger.Warn("start kafka consumer failed", zap.Error(err))
			consumer = nil
		}
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
		// 被劫持的 ws 连接不受 http.Server.Shutdown 管理
		registry.CloseAll()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ws shutdown error", zap.Error(err))
		}
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.Warn("Kafka consumer stop error", zap.Error(err))
			}
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
