package auth

import (
	"context"

	"emperror.dev/errors"
)

// ErrUnauthenticated 请求没有有效的登录身份
const ErrUnauthenticated = errors.Sentinel("未登录")

type ctxKey struct{}

// WithIdentity 把已验证的身份（邮箱）放入 ctx
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFrom 取出已验证的身份
func IdentityFrom(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(ctxKey{}).(string)
	return identity, ok && identity != ""
}

// RequireIdentity 没有身份时返回 ErrUnauthenticated
func RequireIdentity(ctx context.Context) (string, error) {
	identity, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	return identity, nil
}
