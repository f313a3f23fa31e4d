package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/pkg/client"
	"github.com/EthanQC/IM/services/realtime_service/pkg/jwt"
)

// Config 压测配置
type Config struct {
	Mode        string        // presence, calls
	Target      string        // WebSocket URL
	Conns       int           // 总连接数
	Duration    time.Duration // 压测持续时间
	Ramp        time.Duration // 爬坡时间
	Secret      string        // 用于本地签发 token 的 JWT 密钥
	UserPrefix  string        // 压测用户 ID 前缀
	CallHold    time.Duration // calls 模式下接通后保持多久再挂断
	CallTimeout time.Duration // 呼出应答超时
	Output      string        // 输出格式：text, json
	Verbose     bool          // 详细输出
}

// benchUser 一个压测客户端
type benchUser struct {
	id     int
	userID string
	cli    *client.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func main() {
	cfg := parseFlags()
	if !cfg.Verbose {
		zap.ReplaceGlobals(zap.NewNop())
	}

	fmt.Println("=== wsbench - 实时信令压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("爬坡时间: %s\n", cfg.Ramp)
	fmt.Println()

	stats := newStats()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	users := rampUp(ctx, cfg, stats)
	fmt.Printf("成功建立 %d 个连接\n", len(users))
	if len(users) > 0 {
		switch cfg.Mode {
		case "calls":
			runCalls(ctx, cfg, users, stats)
		default:
			runPresence(ctx, cfg, users, stats)
		}
	}

	for _, u := range users {
		u.cancel()
	}
	for _, u := range users {
		<-u.done
	}
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	switch cfg.Output {
	case "json":
		outputJSON(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", "presence", "压测模式: presence, calls")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8084/ws", "WebSocket URL")
	flag.IntVar(&cfg.Conns, "conns", 200, "总连接数")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 20*time.Second, "爬坡时间")
	flag.StringVar(&cfg.Secret, "secret", "dev-secret-change-me", "JWT 密钥，需与服务端 auth.jwt_secret 一致")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", "bench-", "压测用户 ID 前缀")
	flag.DurationVar(&cfg.CallHold, "call-hold", 5*time.Second, "接通后保持时长（calls 模式）")
	flag.DurationVar(&cfg.CallTimeout, "call-timeout", client.DefaultCallTimeout, "呼出应答超时")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")

	flag.Parse()
	return cfg
}

// rampUp 按爬坡速率建立连接，返回认证成功的客户端
func rampUp(ctx context.Context, cfg Config, stats *Stats) []*benchUser {
	tokens := jwt.NewManager(cfg.Secret)

	connsPerSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if connsPerSecond < 1 {
		connsPerSecond = 1
	}
	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", connsPerSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / connsPerSecond))
	defer ticker.Stop()

	var (
		mu    sync.Mutex
		users []*benchUser
		wg    sync.WaitGroup
	)
	for i := 0; i < cfg.Conns; i++ {
		select {
		case <-ctx.Done():
			i = cfg.Conns
			continue
		case <-ticker.C:
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer bar.Add(1)
			if u := connect(ctx, id, cfg, tokens, stats); u != nil {
				mu.Lock()
				users = append(users, u)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	_ = bar.Finish()
	fmt.Println()
	return users
}

func connect(ctx context.Context, id int, cfg Config, tokens jwt.Manager, stats *Stats) *benchUser {
	atomic.AddInt64(&stats.TotalAttempts, 1)
	userID := fmt.Sprintf("%s%d", cfg.UserPrefix, id)

	tok, err := tokens.Generate(fmt.Sprintf("bench-%d-%d", id, time.Now().UnixNano()), userID, cfg.Duration+time.Hour)
	if err != nil {
		stats.addError("sign_token")
		return nil
	}

	ccfg := client.DefaultConfig()
	ccfg.URL = cfg.Target
	ccfg.Token = tok
	ccfg.UserID = userID
	ccfg.CallTimeout = cfg.CallTimeout

	u := &benchUser{id: id, userID: userID, done: make(chan struct{})}
	u.cli = client.New(ccfg, client.WithNotifier(&benchNotifier{user: u, stats: stats, hold: cfg.CallHold}))

	start := time.Now()
	cctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	errCh := make(chan error, 1)
	go func() {
		defer close(u.done)
		errCh <- u.cli.Run(cctx)
	}()

	select {
	case <-u.cli.Ready():
		stats.addConnLatency(time.Since(start))
		atomic.AddInt64(&stats.SuccessConns, 1)
		return u
	case err := <-errCh:
		atomic.AddInt64(&stats.FailedConns, 1)
		stats.addError(shortError(err))
	case <-time.After(15 * time.Second):
		atomic.AddInt64(&stats.FailedConns, 1)
		stats.addError("connect_timeout")
	}
	cancel()
	<-u.done
	return nil
}

// runPresence 保持连接，定期检查第一个客户端看到的在线人数
func runPresence(ctx context.Context, cfg Config, users []*benchUser, stats *Stats) {
	remaining := cfg.Duration - time.Since(stats.StartTime)
	if remaining <= 0 {
		remaining = 10 * time.Second
	}
	fmt.Printf("维持连接 %s...\n\n", remaining)

	observer := users[0].cli.Presence()
	want := len(users)
	converged := false

	reportTicker := time.NewTicker(time.Second)
	defer reportTicker.Stop()
	timeout := time.After(remaining)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			return
		case <-reportTicker.C:
			seen := len(observer.Online())
			stats.setPresenceSeen(seen)
			if !converged && seen >= want {
				converged = true
				stats.PresenceConverged = time.Since(stats.StartTime)
				fmt.Printf("[%s] 在线视图收敛: %d/%d\n", time.Since(stats.StartTime).Round(time.Second), seen, want)
			}
		}
	}
}

// runCalls 相邻两个客户端配对，偶数方持续呼叫奇数方
func runCalls(ctx context.Context, cfg Config, users []*benchUser, stats *Stats) {
	remaining := cfg.Duration - time.Since(stats.StartTime)
	if remaining <= 0 {
		remaining = 30 * time.Second
	}
	fmt.Printf("呼叫压测 %s...\n\n", remaining)

	cctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i+1 < len(users); i += 2 {
		caller, callee := users[i], users[i+1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cctx.Err() == nil {
				if caller.cli.Calls().State() != client.StateIdle {
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if _, err := caller.cli.Calls().Place(callee.userID); err != nil {
					stats.addError(shortError(err))
					time.Sleep(time.Second)
					continue
				}
				atomic.AddInt64(&stats.CallsPlaced, 1)
				time.Sleep(100 * time.Millisecond)
			}
			_ = caller.cli.Calls().HangUp()
		}()
	}

	reportTicker := time.NewTicker(5 * time.Second)
	defer reportTicker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-reportTicker.C:
			printProgress(stats)
		}
	}
}

// benchNotifier 来电自动接听，接通后保持 hold 再由呼叫方挂断
type benchNotifier struct {
	user  *benchUser
	stats *Stats
	hold  time.Duration
}

func (n *benchNotifier) Incoming(call client.CallInfo) {
	go func() {
		if err := n.user.cli.Calls().Accept(); err != nil {
			n.stats.addError(shortError(err))
		}
	}()
}

func (n *benchNotifier) Connected(call client.CallInfo) {
	if !call.Outgoing {
		return
	}
	atomic.AddInt64(&n.stats.CallsConnected, 1)
	time.AfterFunc(n.hold, func() {
		if cur, ok := n.user.cli.Calls().Current(); ok && cur.ID == call.ID {
			_ = n.user.cli.Calls().HangUp()
		}
	})
}

func (n *benchNotifier) Finished(call client.CallInfo, outcome client.Outcome) {
	if call.Outgoing {
		n.stats.addOutcome(outcome)
	}
}

func shortError(err error) string {
	if err == nil {
		return "unknown"
	}
	s := err.Error()
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: wsbench [flags]\n")
		flag.PrintDefaults()
	}
}
