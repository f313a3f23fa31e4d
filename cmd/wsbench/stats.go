package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EthanQC/IM/services/realtime_service/pkg/client"
)

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	TotalAttempts int64
	SuccessConns  int64
	FailedConns   int64

	ConnLatencies []int64 // 纳秒

	PresenceSeen      int
	PresenceConverged time.Duration

	CallsPlaced    int64
	CallsConnected int64
	Outcomes       map[client.Outcome]int64

	Errors map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func newStats() *Stats {
	return &Stats{
		Outcomes:  make(map[client.Outcome]int64),
		Errors:    make(map[string]int64),
		StartTime: time.Now(),
	}
}

func (s *Stats) addError(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors[key]++
}

func (s *Stats) addConnLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnLatencies = append(s.ConnLatencies, d.Nanoseconds())
}

func (s *Stats) addOutcome(o client.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outcomes[o]++
}

func (s *Stats) setPresenceSeen(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PresenceSeen = n
}

// Result 压测结果
type Result struct {
	Mode          string  `json:"mode"`
	Target        string  `json:"target"`
	TargetConns   int     `json:"target_conns"`
	TotalAttempts int64   `json:"total_attempts"`
	SuccessConns  int64   `json:"success_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`

	ConnLatency LatencyStats `json:"conn_latency_ms"`

	PresenceSeen        int     `json:"presence_seen,omitempty"`
	PresenceConvergedMs float64 `json:"presence_converged_ms,omitempty"`

	CallsPlaced    int64            `json:"calls_placed,omitempty"`
	CallsConnected int64            `json:"calls_connected,omitempty"`
	Outcomes       map[string]int64 `json:"call_outcomes,omitempty"`

	Errors     map[string]int64 `json:"errors"`
	ActualTime float64          `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

func generateResult(cfg Config, stats *Stats) Result {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	result := Result{
		Mode:           cfg.Mode,
		Target:         cfg.Target,
		TargetConns:    cfg.Conns,
		TotalAttempts:  stats.TotalAttempts,
		SuccessConns:   stats.SuccessConns,
		FailedConns:    stats.FailedConns,
		ConnLatency:    calculateLatencyStats(stats.ConnLatencies),
		PresenceSeen:   stats.PresenceSeen,
		CallsPlaced:    stats.CallsPlaced,
		CallsConnected: stats.CallsConnected,
		Outcomes:       make(map[string]int64, len(stats.Outcomes)),
		Errors:         stats.Errors,
		ActualTime:     stats.EndTime.Sub(stats.StartTime).Seconds(),
	}
	if stats.TotalAttempts > 0 {
		result.SuccessRate = float64(stats.SuccessConns) / float64(stats.TotalAttempts) * 100
	}
	if stats.PresenceConverged > 0 {
		result.PresenceConvergedMs = float64(stats.PresenceConverged) / float64(time.Millisecond)
	}
	for o, n := range stats.Outcomes {
		result.Outcomes[string(o)] = n
	}
	return result
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	avg := float64(sum) / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	return LatencyStats{
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    toMs(float64(sorted[len(sorted)*50/100])),
		P90:    toMs(float64(sorted[len(sorted)*90/100])),
		P99:    toMs(float64(sorted[len(sorted)*99/100])),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func printProgress(stats *Stats) {
	placed := atomic.LoadInt64(&stats.CallsPlaced)
	connected := atomic.LoadInt64(&stats.CallsConnected)
	stats.mu.Lock()
	busy := stats.Outcomes[client.OutcomeBusy]
	timedOut := stats.Outcomes[client.OutcomeTimedOut]
	stats.mu.Unlock()

	fmt.Printf("[%s] 呼叫: %d | 接通: %d | 忙线: %d | 超时: %d\n",
		time.Since(stats.StartTime).Round(time.Second), placed, connected, busy, timedOut)
}

func outputJSON(result Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func outputText(result Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 连接统计 ---")
	fmt.Printf("尝试连接数:     %d\n", result.TotalAttempts)
	fmt.Printf("成功连接数:     %d\n", result.SuccessConns)
	fmt.Printf("失败连接数:     %d\n", result.FailedConns)
	fmt.Printf("连接成功率:     %.2f%%\n", result.SuccessRate)
	fmt.Println()

	fmt.Println("--- 连接延迟 (ms，含 auth) ---")
	fmt.Printf("Min:    %.2f\n", result.ConnLatency.Min)
	fmt.Printf("Max:    %.2f\n", result.ConnLatency.Max)
	fmt.Printf("Avg:    %.2f\n", result.ConnLatency.Avg)
	fmt.Printf("P50:    %.2f\n", result.ConnLatency.P50)
	fmt.Printf("P90:    %.2f\n", result.ConnLatency.P90)
	fmt.Printf("P99:    %.2f\n", result.ConnLatency.P99)
	fmt.Printf("StdDev: %.2f\n", result.ConnLatency.StdDev)
	fmt.Println()

	switch result.Mode {
	case "calls":
		fmt.Println("--- 呼叫统计 ---")
		fmt.Printf("发起呼叫数:     %d\n", result.CallsPlaced)
		fmt.Printf("接通数:         %d\n", result.CallsConnected)
		for o, n := range result.Outcomes {
			fmt.Printf("%-16s%d\n", o+":", n)
		}
	default:
		fmt.Println("--- 在线视图 ---")
		fmt.Printf("观察者可见在线: %d\n", result.PresenceSeen)
		if result.PresenceConvergedMs > 0 {
			fmt.Printf("收敛耗时:       %.0f ms\n", result.PresenceConvergedMs)
		}
	}
	fmt.Println()

	if len(result.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for err, count := range result.Errors {
			fmt.Printf("%s: %d\n", err, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", result.ActualTime)
	fmt.Println()
	fmt.Println("=================================================")
}
