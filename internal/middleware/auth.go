// Package middleware содержит HTTP middleware кассового движка.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const cashierIDKey contextKey = "cashierID"

const (
	authCookieName = "pos_cashier"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware проверяет личность кассира по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется
// случайным: cookie живут до перезапуска процесса.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("pos-engine-default-secret")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie и кладёт идентификатор кассира в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		cashierID, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), cashierIDKey, cashierID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie выдаёт cookie для кассира.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, cashierID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(cashierID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Идентификатор кодируется в base64, чтобы точка в нём не ломала формат.
func (a *AuthMiddleware) sign(cashierID string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(cashierID))
	return encoded + "." + a.signature(encoded)
}

func (a *AuthMiddleware) signature(encoded string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (string, bool) {
	encoded, signature, ok := strings.Cut(value, ".")
	if !ok {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.signature(encoded))) {
		return "", false
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return "", false
	}

	return string(raw), true
}

// GetCashierIDFromContext извлекает идентификатор кассира из контекста запроса.
func GetCashierIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(cashierIDKey).(string)
	return id, ok && id != ""
}
