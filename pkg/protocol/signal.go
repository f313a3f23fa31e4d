package protocol

import (
	"encoding/json"
	"fmt"
)

// SignalType webrtc-signaling 内层类型
type SignalType string

const (
	CallRequest SignalType = "call-request"
	CallAccept  SignalType = "call-accept"
	CallReject  SignalType = "call-reject"
	CallEnd     SignalType = "call-end"

	// SDP / ICE 只在同一通话的两端之间转发
	Offer        SignalType = "offer"
	Answer       SignalType = "answer"
	ICECandidate SignalType = "ice-candidate"
)

// IsCallControl 是否是通话控制类信令
func (t SignalType) IsCallControl() bool {
	switch t {
	case CallRequest, CallAccept, CallReject, CallEnd:
		return true
	}
	return false
}

// IsMedia 是否是媒体协商类信令
func (t SignalType) IsMedia() bool {
	switch t {
	case Offer, Answer, ICECandidate:
		return true
	}
	return false
}

// Reason 拒绝 / 结束原因
type Reason string

const (
	ReasonBusy        Reason = "busy"
	ReasonUnreachable Reason = "unreachable"
	ReasonRejected    Reason = "rejected"
	ReasonTimeout     Reason = "timeout"
	ReasonHangup      Reason = "hangup"
	ReasonMaxDuration Reason = "max_duration"
)

// SignalData 信令负载
type SignalData struct {
	CallID    string          `json:"callId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Reason    Reason          `json:"reason,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Signal {type, data}
type Signal struct {
	Type SignalType `json:"type"`
	Data SignalData `json:"data"`
}

// SignalingData webrtc-signaling 帧的 data：{ data: { type, data } }
type SignalingData struct {
	Data Signal `json:"data"`
}

// Validate 校验必填字段
func (s Signal) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("%w: signal type is empty", ErrMalformedFrame)
	}
	if !s.Type.IsCallControl() && !s.Type.IsMedia() {
		return fmt.Errorf("%w: unknown signal type %q", ErrMalformedFrame, s.Type)
	}
	if s.Data.CallID == "" || s.Data.From == "" || s.Data.To == "" {
		return fmt.Errorf("%w: callId/from/to required", ErrMalformedFrame)
	}
	return nil
}

// EncodeSignal 把信令包成完整帧
func EncodeSignal(s Signal) ([]byte, error) {
	return Encode(TypeSignaling, SignalingData{Data: s})
}

// DecodeSignal 从 webrtc-signaling 帧中取出信令
func DecodeSignal(f Frame) (Signal, error) {
	var sd SignalingData
	if err := f.Decode(&sd); err != nil {
		return Signal{}, err
	}
	if err := sd.Data.Validate(); err != nil {
		return Signal{}, err
	}
	return sd.Data, nil
}
