package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/jwt"
)

// SessionValidator 校验 auth 帧：验签 -> 身份一致 -> 未吊销 -> 账号可用
type SessionValidator struct {
	tokens         jwt.Manager
	blacklist      out.TokenBlacklist
	accounts       out.UserDirectory
	allowAnonymous bool
}

// NewSessionValidator blacklist / accounts 可为空，为空时跳过对应检查
func NewSessionValidator(tokens jwt.Manager, blacklist out.TokenBlacklist, accounts out.UserDirectory, allowAnonymous bool) *SessionValidator {
	return &SessionValidator{
		tokens:         tokens,
		blacklist:      blacklist,
		accounts:       accounts,
		allowAnonymous: allowAnonymous,
	}
}

// Authenticate 校验 token 是否属于 userID
func (v *SessionValidator) Authenticate(ctx context.Context, token, userID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if token == "" {
		if v.allowAnonymous {
			return nil
		}
		return fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	claims, err := v.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != userID {
		return ErrIdentityMismatch
	}

	if v.blacklist != nil && claims.Id != "" {
		revoked, err := v.blacklist.IsRevoked(ctx, claims.Id)
		if err != nil {
			return fmt.Errorf("check token blacklist: %w", err)
		}
		if revoked {
			return ErrTokenRevoked
		}
	}

	if v.accounts != nil {
		profile, err := v.accounts.GetUser(ctx, userID)
		if errors.Is(err, out.ErrUserNotFound) {
			return fmt.Errorf("%w: unknown user", ErrAccountDisabled)
		}
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		if !profile.Active() {
			return ErrAccountDisabled
		}
	}
	return nil
}
