package auth

import (
	"time"

	"emperror.dev/errors"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie 登录会话 cookie 名
const SessionCookie = "teamvote_session"

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SessionManager 签发和校验登录会话（HS256）
type SessionManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionManager(secret, issuer string, ttl time.Duration) *SessionManager {
	if issuer == "" {
		issuer = "teamvote"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionManager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Generate 为身份签发会话令牌
func (m *SessionManager) Generate(identity string) (string, error) {
	now := m.now()
	claims := Claims{
		Email: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "签发会话令牌失败")
	}
	return signed, nil
}

// Parse 校验令牌并返回身份
func (m *SessionManager) Parse(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", errors.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.WithDetails(ErrUnauthenticated, "reason", "invalid claims")
	}
	return claims.Subject, nil
}
