package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	ctxUserID = "cutout.user_id"

	apiKeyPrefix = "ck_"
)

var errUnauthenticated = errors.New("missing or invalid credential")

// KeyLookup API Key 到用户的映射
type KeyLookup interface {
	LookupAPIKey(ctx context.Context, token string) (string, error)
}

// Authenticator 解析调用方身份: API Key (ck_ 前缀) 或 HS256 签名的访问令牌 (sub 为用户 ID)
type Authenticator struct {
	keys      KeyLookup
	jwtSecret []byte
}

// NewAuthenticator 创建身份认证
//
// # Params:
//
//	keys: API Key 存储, 可为空
//	jwtSecret: 访问令牌密钥, 为空时不接受令牌
func NewAuthenticator(keys KeyLookup, jwtSecret string) *Authenticator {
	a := &Authenticator{keys: keys}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Authenticate 返回用户 ID
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", errUnauthenticated
	}
	if strings.HasPrefix(credential, apiKeyPrefix) {
		if a.keys == nil {
			return "", errUnauthenticated
		}
		userID, err := a.keys.LookupAPIKey(ctx, credential)
		if err != nil || userID == "" {
			return "", errUnauthenticated
		}
		return userID, nil
	}
	if a.jwtSecret == nil {
		return "", errUnauthenticated
	}

	token, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errUnauthenticated
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errUnauthenticated
	}
	return sub, nil
}

// Middleware 认证失败返回 401
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.Authenticate(c.Request.Context(), credential(c))
		if err != nil {
			abort(c, newError(KindAuth, "Authentication required", err))
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// credential 依次读取 Authorization: Bearer 与 X-API-Key
func credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// RateLimiter 按用户限流
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter perSecond <= 0 时不限流
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: map[string]*rate.Limiter{}}
}

// Allow 用户是否还有可用令牌
func (r *RateLimiter) Allow(userID string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[userID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Middleware 需放在认证之后
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.GetString(ctxUserID)) {
			abort(c, newError(KindRateLimited, "Too many requests, please slow down", nil))
			return
		}
		c.Next()
	}
}
