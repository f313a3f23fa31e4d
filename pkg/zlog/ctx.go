package zlog

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// WithContext 把 logger 挂到 ctx 上
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 取 ctx 上的 logger，没有则退回全局
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return zap.L()
	}
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.L()
}

// C 是简写，常在业务层使用
func C(ctx context.Context) *zap.Logger { return FromContext(ctx) }

// WithConn 为单条连接派生带 conn_id / user_id 字段的 ctx
func WithConn(ctx context.Context, connID, userID string) context.Context {
	l := FromContext(ctx).With(zap.String("conn_id", connID))
	if userID != "" {
		l = l.With(zap.String("user_id", userID))
	}
	return WithContext(ctx, l)
}
