package middleware

import (
	"net/http"
	"strings"
)

const (
	// pageContentSecurityPolicy はHTMLページ用のCSP。スクリプトは読み込まず、フォーム送信先は同一オリジンに限る。
	pageContentSecurityPolicy = "default-src 'self'; script-src 'none'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'; form-action 'self'; base-uri 'none'"
	// apiContentSecurityPolicy はJSON APIと運用エンドポイント用のCSP。何も読み込ませない。
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

	hstsValue = "max-age=31536000; includeSubDomains"
)

// NewSecurityHeadersMiddleware はセキュリティ関連のレスポンスヘッダーを付与するミドルウェアを返す。
// hstsは本番環境でのみtrueにする。
func NewSecurityHeadersMiddleware(hsts bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			// マイクは面接練習ページ用に同一オリジンのみ許可する
			h.Set("Permissions-Policy", "camera=(), microphone=(self), geolocation=()")
			if strings.HasPrefix(r.URL.Path, "/api/") {
				h.Set("Content-Security-Policy", apiContentSecurityPolicy)
			} else {
				h.Set("Content-Security-Policy", pageContentSecurityPolicy)
			}
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
