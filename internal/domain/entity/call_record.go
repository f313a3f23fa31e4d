package entity

import "time"

// CallRecord 通话进入终态后发布的记录，供通话历史 / 未接来电使用
type CallRecord struct {
	CallID     string     `json:"call_id"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    time.Time  `json:"ended_at"`
	Duration   int64      `json:"duration"` // 接通后时长（秒）
}

// Missed 未接通的呼叫
func (r *CallRecord) Missed() bool {
	return r.AnsweredAt == nil
}
