// Package app はサブコマンドの解析と、各モードの依存関係の組み立てを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/prepwiser/internal/auth"
	"github.com/hitoshi/prepwiser/internal/config"
	"github.com/hitoshi/prepwiser/internal/database"
	"github.com/hitoshi/prepwiser/internal/handler"
	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/logger"
	"github.com/hitoshi/prepwiser/internal/metrics"
	"github.com/hitoshi/prepwiser/internal/middleware"
	"github.com/hitoshi/prepwiser/internal/repository"
	"github.com/hitoshi/prepwiser/internal/security"
	"github.com/hitoshi/prepwiser/internal/user"
	"github.com/hitoshi/prepwiser/internal/web"
)

// ErrMissingUserID はrevoke-sessionsにユーザーIDが指定されていない場合のエラー。
var ErrMissingUserID = errors.New("revoke-sessions requires a user id argument")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, rest, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("env", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRevokeSessions:
		if len(rest) == 0 || rest[0] == "" {
			return ErrMissingUserID
		}
		return runRevokeSessions(cfg, rest[0])
	default:
		return runServe(cfg)
	}
}

// newIdentityClient はIDプロバイダのクライアントを生成する。
// 秘密鍵が解析できない場合は起動を中止する。
func newIdentityClient(cfg *config.Config) (*identity.Client, error) {
	client, err := identity.New(identity.Config{
		ProjectID:       cfg.Identity.ProjectID,
		ClientEmail:     cfg.Identity.ClientEmail,
		PrivateKey:      cfg.Identity.PrivateKey,
		APIKey:          cfg.Identity.APIKey,
		ToolkitURL:      cfg.Identity.ToolkitURL,
		TokenURL:        cfg.Identity.TokenURL,
		IDTokenCertsURL: cfg.Identity.IDTokenCertsURL,
		SessionCertsURL: cfg.Identity.SessionCertsURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	slog.Info("identity provider initialized",
		slog.String("project_id", cfg.Identity.ProjectID),
		slog.String("key_fingerprint", client.KeyFingerprint()),
	)
	return client, nil
}

// newRouter はWebサーバーの全依存関係をワイヤリングしたルーターを返す。
// 戻り値の関数はバックグラウンド処理を停止する。
func newRouter(cfg *config.Config, db *sql.DB, idClient *identity.Client, reg *prometheus.Registry) (http.Handler, func(), error) {
	// 1. リポジトリとメトリクスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	collector := metrics.NewCollector(reg)

	// 2. ドメインサービスの初期化
	authService := auth.NewService(idClient, userRepo, collector, auth.ServiceConfig{
		SessionLifetime: cfg.SessionLifetime(),
		ProviderTimeout: cfg.ProviderTimeout,
		StoreTimeout:    cfg.StoreTimeout,
	})
	userService := user.NewService(userRepo, idClient)

	// 3. ページテンプレートの読み込み
	pages, err := web.NewTemplates()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load templates: %w", err)
	}

	// 4. レート制限（認証はreq/minで設定されるためreq/secに変換する）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(cfg.RateLimitGeneralRPS)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneralBurst
	rateLimiterCfg.AuthRate = rate.Limit(float64(cfg.RateLimitAuthRPM) / 60.0)
	rateLimiterCfg.AuthBurst = cfg.RateLimitAuthBurst
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		StatusRecorder:    collector,
		SessionChecker:    authService,
		RateLimiter:       rateLimiter,
		CSRF:              middleware.CSRFConfig{CookieSecure: cfg.CookieSecure(), CookieDomain: cfg.CookieDomain},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.IsProduction(),
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		HealthChecker:  db,
		HealthTimeout:  cfg.StoreTimeout,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		Cookie: auth.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure(),
			MaxAge: cfg.SessionMaxAge,
		},
		Sanitizer: security.NewNameSanitizer(),
		Pages:     pages,

		UserService: userService,
	})

	return router, rateLimiter.Stop, nil
}

// runServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. IDプロバイダ（秘密鍵が無効な場合はDBより先に失敗させる）
	idClient, err := newIdentityClient(cfg)
	if err != nil {
		return err
	}
	defer idClient.Close()

	// 2. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, cfg.StoreTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 3. メトリクスレジストリ
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router, stop, err := newRouter(cfg, db, idClient, reg)
	if err != nil {
		return err
	}
	defer stop()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down web server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("changed", status.Changed),
	)
	return nil
}

// runRevokeSessions は指定したアカウントの発行済みセッションをすべて失効させる。
func runRevokeSessions(cfg *config.Config, uid string) error {
	idClient, err := newIdentityClient(cfg)
	if err != nil {
		return err
	}
	defer idClient.Close()

	return revokeSessions(context.Background(), idClient, uid, cfg.ProviderTimeout)
}

// sessionRevoker はセッション失効のインターフェース。identity.Clientが実装する。
type sessionRevoker interface {
	RevokeSessions(ctx context.Context, uid string) error
}

func revokeSessions(ctx context.Context, revoker sessionRevoker, uid string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := revoker.RevokeSessions(ctx, uid); err != nil {
		return fmt.Errorf("failed to revoke sessions for %s: %w", uid, err)
	}

	slog.Info("sessions revoked", slog.String("user_id", uid))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
