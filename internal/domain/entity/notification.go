package entity

import (
	"encoding/json"
	"errors"
)

// NotificationKind 推送给客户端的帧类型
type NotificationKind string

const (
	KindNotification NotificationKind = "new_notification"
	KindMessage      NotificationKind = "new_message"
)

var (
	ErrUnknownKind      = errors.New("unknown notification kind")
	ErrEmptyRecipient   = errors.New("notification recipient is empty")
	ErrPayloadNotObject = errors.New("notification payload must be a JSON object")
)

// NotificationEvent 外部系统产生的事件（点赞/评论/关注/私信），只推给在线的接收人
type NotificationEvent struct {
	Kind        NotificationKind `json:"kind"`
	RecipientID string           `json:"recipientId"`
	Payload     json.RawMessage  `json:"payload"`
}

// Validate 校验事件是否可以投递
func (e *NotificationEvent) Validate() error {
	switch e.Kind {
	case KindNotification, KindMessage:
	default:
		return ErrUnknownKind
	}
	if e.RecipientID == "" {
		return ErrEmptyRecipient
	}
	var obj map[string]json.RawMessage
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &obj) != nil || obj == nil {
		return ErrPayloadNotObject
	}
	return nil
}
