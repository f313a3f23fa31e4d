package application

import (
	"errors"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/call"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
)

var (
	ErrUnauthenticated     = errors.New("connection is not authenticated")
	ErrConnectionClosed    = out.ErrConnectionClosed
	ErrSendBufferFull      = out.ErrSendBufferFull
	ErrRecipientOffline    = errors.New("recipient offline")
	ErrUnknownCall         = errors.New("unknown call id")
	ErrParticipantMismatch = errors.New("call participants mismatch")
	ErrInvalidTransition   = call.ErrInvalidTransition
	ErrMalformedFrame      = protocol.ErrMalformedFrame
	ErrUnknownFrameType    = errors.New("unknown frame type")
	ErrServerOnlyFrame     = errors.New("frame type is server to client only")

	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenRevoked     = errors.New("token revoked")
	ErrAccountDisabled  = errors.New("account disabled")
	ErrIdentityMismatch = errors.New("token subject does not match userId")
)

// AuthFailureReason 把鉴权错误映射为 auth_error 帧里的 reason
func AuthFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal"
	}
}
