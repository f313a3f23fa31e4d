package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Manager 负责 JWT 的签发与解析，subject 即 userId
type Manager interface {
	Generate(jti, subject string, ttl time.Duration) (string, error)
	Parse(tokenStr string) (*jwt.StandardClaims, error)
}

type manager struct {
	secret []byte
}

// NewManager 用给定的 secret 构造 Manager
func NewManager(secret string) Manager {
	return &manager{secret: []byte(secret)}
}

// Generate 生成一个带 jti 和 subject 的 HS256 JWT
func (m *manager) Generate(jti, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.StandardClaims{
		Id:        jti,
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse 验签并解析，区分过期与其它错误
func (m *manager) Parse(tokenStr string) (*jwt.StandardClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &jwt.StandardClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*jwt.StandardClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
