package middleware

import (
	"net/http"
	"strings"
)

// contentSecurityPolicy はサーバー描画ページ向けのCSP。
// インラインスクリプトは使用しない。
const contentSecurityPolicy = "default-src 'self'; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'; form-action 'self'"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// formOriginsはフォームの送信先として追加で許可するオリジン（テナント画面からポータルへのログアウトなど）。
func NewSecurityHeadersMiddleware(formOrigins ...string) func(next http.Handler) http.Handler {
	csp := contentSecurityPolicy
	for _, origin := range formOrigins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			csp += " " + origin
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}
