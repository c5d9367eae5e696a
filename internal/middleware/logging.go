package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// StatusRecorder はレスポンスのステータスコードを記録するインターフェース。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// requestLog はアクセスログに出力する値のうち、内側のハンドラーで確定するもの。
// AccessGateは保護されたハンドラーの外側のコンテキストを持たないため、ここに書き込む。
type requestLog struct {
	mu     sync.Mutex
	userID string
}

var requestLogContextKey = contextKey("request_log")

// setLogUserID はアクセスログにユーザーIDを記録する。
// ロギングミドルウェアを通過していないコンテキストでは何もしない。
func setLogUserID(ctx context.Context, userID string) {
	rl, ok := ctx.Value(requestLogContextKey).(*requestLog)
	if !ok {
		return
	}
	rl.mu.Lock()
	rl.userID = userID
	rl.mu.Unlock()
}

// logUserID はsetLogUserIDで記録されたユーザーIDを返す。
func logUserID(ctx context.Context) string {
	rl, ok := ctx.Value(requestLogContextKey).(*requestLog)
	if !ok {
		return ""
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.userID
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、request_id、user_id（認証済みの場合）を含む。
// recorderがnilでない場合はステータスコードをメトリクスに記録する。
func NewLoggingMiddleware(logger *slog.Logger, recorder StatusRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			rl := &requestLog{}
			ctx := context.WithValue(r.Context(), requestLogContextKey, rl)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}

			if userID := logUserID(ctx); userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)

			if recorder != nil {
				recorder.RecordHTTPStatus(rec.statusCode)
			}
		})
	}
}
