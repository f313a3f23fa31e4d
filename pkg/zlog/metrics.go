package zlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

var logCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "realtime",
		Name:      "log_entries_total",
		Help:      "Number of log entries by level.",
	},
	[]string{"service", "level"},
)

// RegisterMetrics 由 main 在自己的 registry 上调用
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(logCounter)
}

// metricsCore 装饰 zapcore.Core，只统计真正会写出的条目
type metricsCore struct {
	zapcore.Core
	service string
}

func (m metricsCore) With(fields []zapcore.Field) zapcore.Core {
	return metricsCore{Core: m.Core.With(fields), service: m.service}
}

func (m metricsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !m.Enabled(ent.Level) {
		return ce
	}
	logCounter.WithLabelValues(m.service, ent.Level.String()).Inc()
	return m.Core.Check(ent, ce)
}
