package out

// Metrics 业务指标埋点
type Metrics interface {
	OnlineUsers(n int)
	ActiveCalls(n int)
	FrameRouted(frameType string)
	FrameDropped(reason string)
	CallFinished(state, reason string)
	NotificationPushed(kind string, delivered bool)
}

// NopMetrics 不记录任何指标
type NopMetrics struct{}

func (NopMetrics) OnlineUsers(int)                 {}
func (NopMetrics) ActiveCalls(int)                 {}
func (NopMetrics) FrameRouted(string)              {}
func (NopMetrics) FrameDropped(string)             {}
func (NopMetrics) CallFinished(string, string)     {}
func (NopMetrics) NotificationPushed(string, bool) {}
