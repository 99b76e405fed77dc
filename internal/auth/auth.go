// Package auth 驗證連線與 API 請求帶來的 bearer 憑證，換出玩家 ID。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/koopa0/turnroom/internal/apperr"
)

// ErrNoCredential 請求沒有帶憑證
var ErrNoCredential = apperr.New(apperr.Unauthorized, "missing bearer credential")

// Authenticator 將憑證轉為玩家 ID
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// JWTAuthenticator 驗證 HS256 簽章的 JWT，sub 即玩家 ID
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator issuer 為空時不檢查 iss
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", apperr.Wrap(apperr.Unauthorized, err, "token expired")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", apperr.Wrap(apperr.Unauthorized, err, "token malformed")
		default:
			return "", apperr.Wrap(apperr.Unauthorized, err, "token rejected")
		}
	}
	if !token.Valid || claims.Subject == "" {
		return "", apperr.New(apperr.Unauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

// Issue 簽發權杖，供管理工具與測試使用
func (a *JWTAuthenticator) Issue(playerID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// StaticAuthenticator 固定的 token → 玩家 ID 對照表
type StaticAuthenticator map[string]string

func (s StaticAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	if id, ok := s[credential]; ok && id != "" {
		return id, nil
	}
	return "", apperr.New(apperr.Unauthorized, "unknown token")
}

// Chain 依序嘗試，第一個成功者勝出
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrNoCredential
	}
	var errs []error
	for _, a := range c {
		id, err := a.Authenticate(ctx, credential)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", apperr.New(apperr.Unauthorized, "no authenticator configured")
	}
	return "", apperr.Wrap(apperr.Unauthorized, errors.Join(errs...), "credential rejected")
}

// BearerFromRequest 讀取 Authorization: Bearer 標頭，其次 access_token 查詢參數
//
// 瀏覽器的 WebSocket API 無法設定標頭，所以保留查詢參數。
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

// FromRequest 驗證請求並回傳玩家 ID
func FromRequest(ctx context.Context, a Authenticator, r *http.Request) (string, error) {
	cred := BearerFromRequest(r)
	if cred == "" {
		return "", ErrNoCredential
	}
	return a.Authenticate(ctx, cred)
}
