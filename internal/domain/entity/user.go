package entity

import "time"

// AccountStatus 账号状态，与 users.status 列一致
type AccountStatus int8

const (
	AccountStatusActive   AccountStatus = 1 // 正常
	AccountStatusDisabled AccountStatus = 2 // 封禁
	AccountStatusDeleted  AccountStatus = 3 // 注销
)

// UserProfile 来电界面需要的展示信息
type UserProfile struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"displayName"`
	AvatarURL   string        `json:"avatarUrl"`
	Status      AccountStatus `json:"-"`
}

// Active 账号是否可用
func (p *UserProfile) Active() bool {
	return p != nil && p.Status == AccountStatusActive
}

// OnlineUser 在线用户在 Redis 中的镜像
type OnlineUser struct {
	UserID      string    `json:"user_id"`
	ConnID      string    `json:"conn_id"`
	NodeID      string    `json:"node_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPingAt  time.Time `json:"last_ping_at"`
}
