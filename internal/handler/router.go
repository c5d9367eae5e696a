package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/middleware"
	"github.com/hitoshi/prepwiser/internal/security"
)

// サインインページとホームのパス。
const (
	SignInPath = "/sign-in"
	HomePath   = "/"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder
	SessionChecker    middleware.SessionChecker
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	HSTS              bool
	// TrustProxyHeaders がtrueの場合のみ、X-Forwarded-For等からクライアントIPを決める。
	// 信頼できるリバースプロキシの背後でのみ有効にすること。
	TrustProxyHeaders bool

	// 運用
	HealthChecker  HealthChecker
	HealthTimeout  time.Duration
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Cookie      auth.CookieConfig
	Sanitizer   security.NameSanitizerService
	Pages       PageRenderer

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP（TrustProxyHeaders時のみ） → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General) → CSRF
//
// 運用エンドポイント（/health, /metrics）はSecurityHeaders以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.HealthTimeout))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	gate := middleware.NewAccessGate(deps.SessionChecker, SignInPath, HomePath)
	authHandler := NewAuthHandler(deps.AuthService, deps.Sanitizer, deps.Cookie)
	pageHandler := NewPageHandler(deps.AuthService, deps.Sanitizer, deps.Pages, deps.Cookie)
	userHandler := NewUserHandler(deps.UserService, deps.Cookie)
	authLimit := deps.RateLimiter.AuthMiddleware()

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// --- JSON API ---
		r.Route("/api/auth", func(r chi.Router) {
			r.With(authLimit).Post("/sign-up", authHandler.SignUp)
			r.With(authLimit).Post("/sign-in", authHandler.SignIn)
			r.Post("/sign-out", authHandler.SignOut)
			r.With(gate.RequireAPI()).Get("/me", authHandler.Me)
		})
		r.With(authLimit).Post("/api/identity/token", authHandler.IssueIdentityToken)

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.Use(gate.RequireAPI())
			r.Delete("/me", userHandler.Withdraw)
		})

		// --- HTMLページ ---
		// 認証済みユーザーはホームへ戻す
		r.Group(func(r chi.Router) {
			r.Use(gate.RedirectAuthenticated())
			r.Use(authLimit)
			r.Get(SignInPath, pageHandler.SignInPage)
			r.Post(SignInPath, pageHandler.SignIn)
			r.Get("/sign-up", pageHandler.SignUpPage)
			r.Post("/sign-up", pageHandler.SignUp)
		})
		r.Post("/sign-out", pageHandler.SignOut)

		// 保護されたページ
		r.Group(func(r chi.Router) {
			r.Use(gate.RequirePage())
			r.Get(HomePath, pageHandler.Home)
			r.Get("/interview", pageHandler.Interview)
		})
	})

	return r
}
