package client

import (
	"sort"
	"sync"

	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

// PresenceView 客户端维护的在线用户集合。不计数，以最后收到的事件为准
type PresenceView struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewPresenceView() *PresenceView {
	return &PresenceView{online: make(map[string]struct{})}
}

// Apply 处理 online / offline / user_list，其它帧返回 false
func (v *PresenceView) Apply(f protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeOnline, protocol.TypeOffline:
		var d protocol.PresenceData
		if err := f.Decode(&d); err != nil || d.UserID == "" {
			return false
		}
		v.mu.Lock()
		if f.Type == protocol.TypeOnline {
			v.online[d.UserID] = struct{}{}
		} else {
			delete(v.online, d.UserID)
		}
		v.mu.Unlock()
		return true

	case protocol.TypeUserList:
		var d protocol.UserListData
		if err := f.Decode(&d); err != nil {
			return false
		}
		// 快照整体替换，重连后不残留旧状态
		next := make(map[string]struct{}, len(d.UserIDs))
		for _, id := range d.UserIDs {
			next[id] = struct{}{}
		}
		v.mu.Lock()
		v.online = next
		v.mu.Unlock()
		return true
	}
	return false
}

func (v *PresenceView) IsOnline(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.online[userID]
	return ok
}

// Online 当前在线用户，有序
func (v *PresenceView) Online() []string {
	v.mu.RLock()
	ids := make([]string, 0, len(v.online))
	for id := range v.online {
		ids = append(ids, id)
	}
	v.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
