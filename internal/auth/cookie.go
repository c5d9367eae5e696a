package auth

import (
	"net/http"

	"github.com/hitoshi/prepwiser/internal/model"
)

// CookieConfig はセッションCookieの属性を保持する。
type CookieConfig struct {
	Domain string
	Secure bool // 本番環境でのみtrue
	MaxAge int  // 秒
}

// NewSessionCookie はセッションCookieを生成する。
// HttpOnly、Path=/、SameSite=Laxは固定で、Secureは本番環境でのみ付与する。
func NewSessionCookie(cfg CookieConfig, artifact string) *http.Cookie {
	return &http.Cookie{
		Name:     model.SessionCookieName,
		Value:    artifact,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredSessionCookie はセッションCookieを削除するためのCookieを生成する。
func ExpiredSessionCookie(cfg CookieConfig) *http.Cookie {
	return &http.Cookie{
		Name:     model.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ArtifactFromRequest はリクエストのセッションCookieの値を返す。Cookieが無い場合は空文字列。
func ArtifactFromRequest(r *http.Request) string {
	c, err := r.Cookie(model.SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
