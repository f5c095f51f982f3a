package mp

import (
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sort"
)

// Signature 计算公众号回调验签串：对 [token, nonce, timestamp] 字典序排序后
// 拼接并取 SHA1 十六进制。
func Signature(token, timestamp, nonce string) string {
	parts := []string{token, nonce, timestamp}
	sort.Strings(parts)
	h := sha1.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature 校验请求携带的签名。缺任一参数直接拒绝，不做任何计算。
// 比较为大小写敏感的十六进制串比较。
func VerifySignature(token, timestamp, nonce, signature string) bool {
	if timestamp == "" || nonce == "" || signature == "" {
		return false
	}
	return Signature(token, timestamp, nonce) == signature
}

// RequireSignature 在进入业务处理前校验 timestamp/nonce/signature 三元组，
// 失败时返回 403 并短路后续 handler。
func RequireSignature(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		timestamp := query.Get("timestamp")
		nonce := query.Get("nonce")
		signature := query.Get("signature")

		if timestamp == "" || nonce == "" || signature == "" {
			slog.Info("mp 回调缺少验签参数", "path", r.URL.Path)
			http.Error(w, "invalid parameter", http.StatusForbidden)
			return
		}
		if !VerifySignature(token, timestamp, nonce, signature) {
			slog.Info("mp 回调验签失败", "path", r.URL.Path)
			http.Error(w, "signature verification failed", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
