package utils

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// CheckBearerAuth 校验 Authorization: Bearer <token>。
// 常数时间比较，避免token逐字节试探。
func CheckBearerAuth(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
