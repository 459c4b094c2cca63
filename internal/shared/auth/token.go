// Package auth 编排器与节点代理之间的服务令牌
//
// 编排器用共享密钥（NODE_TOKEN）签发短期 HS256 令牌，放在 Authorization: Bearer 头中；
// 节点代理用同一密钥校验。未配置密钥时两端都不启用认证。
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey context 键类型
type contextKey string

const ctxKeyCaller contextKey = "auth_caller"

// TokenTypeService 服务令牌类型
const TokenTypeService = "service"

// ErrInvalidToken 令牌无效或已过期
var ErrInvalidToken = errors.New("invalid or expired token")

// Config 认证配置
type Config struct {
	Secret   string
	TokenTTL time.Duration
	Issuer   string
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.Secret != ""
}

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type,omitempty"`
}

// ============================================================================
// Signer - 签发端（编排器）
// ============================================================================

// Signer 服务令牌签发器
//
// 令牌在剩余有效期不足一半时重新签发，其余时间复用缓存。
type Signer struct {
	cfg     Config
	subject string
	now     func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewSigner 创建签发器，subject 标识调用方（如 "orchestrator"）
func NewSigner(cfg Config, subject string) *Signer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 10 * time.Minute
	}
	return &Signer{cfg: cfg, subject: subject, now: time.Now}
}

// Token 返回可用的令牌；未启用认证时返回空字符串
func (s *Signer) Token() (string, error) {
	if s == nil || !s.cfg.Enabled() {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Add(s.cfg.TokenTTL/2).Before(s.expiresAt) {
		return s.cached, nil
	}

	expiresAt := now.Add(s.cfg.TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.subject,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type: TokenTypeService,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	s.cached, s.expiresAt = signed, expiresAt
	return signed, nil
}

// ============================================================================
// 校验端（节点代理）
// ============================================================================

// ParseToken 解析并验证令牌
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeService {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.Type)
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	return claims, nil
}

// WithCaller 将调用方注入 context
func WithCaller(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, subject)
}

// Caller 从 context 获取调用方
func Caller(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyCaller).(string)
	return s
}
