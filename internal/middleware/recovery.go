package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラー内のpanicを回収して500を返すミドルウェアを生成する。
// ロギングミドルウェアの内側に置くと、AccessGateが確定したユーザーIDもログに含まれる。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// クライアント切断による中断はnet/httpに任せる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", chimw.GetReqID(r.Context())),
				}
				if userID := logUserID(r.Context()); userID != "" {
					attrs = append(attrs, slog.String("user_id", userID))
				}
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
				logger.Error("panic recovered", attrs...)

				writeInternalError(w, r)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
