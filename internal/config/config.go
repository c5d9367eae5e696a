package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hitoshi/prepwiser/internal/identity"
)

// 実行環境名。
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Identity Provider
	Identity IdentityConfig

	// Session
	SessionMaxAge int `env:"SESSION_MAX_AGE" envDefault:"604800"`

	// External call timeouts
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`

	// Rate Limit
	RateLimitGeneralRPS   float64 `env:"RATE_LIMIT_GENERAL_RPS" envDefault:"10"`
	RateLimitGeneralBurst int     `env:"RATE_LIMIT_GENERAL_BURST" envDefault:"30"`
	RateLimitAuthRPM      int     `env:"RATE_LIMIT_AUTH_RPM" envDefault:"10"`
	RateLimitAuthBurst    int     `env:"RATE_LIMIT_AUTH_BURST" envDefault:"5"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	ServerPort string `env:"SERVER_PORT" envDefault:"3000"`
	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:3000"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Proxy
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// IdentityConfig はIDプロバイダのプロジェクト資格情報とエンドポイントを保持する。
// サービスアカウントの秘密鍵・プロジェクトID・クライアントメールは起動時に必須。
type IdentityConfig struct {
	ProjectID   string `env:"IDENTITY_PROJECT_ID,required,notEmpty"`
	ClientEmail string `env:"IDENTITY_CLIENT_EMAIL,required,notEmpty"`
	PrivateKey  string `env:"IDENTITY_PRIVATE_KEY,required,notEmpty"`
	APIKey      string `env:"IDENTITY_API_KEY"`

	ToolkitURL      string `env:"IDENTITY_TOOLKIT_URL" envDefault:"https://identitytoolkit.googleapis.com"`
	TokenURL        string `env:"IDENTITY_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	IDTokenCertsURL string `env:"IDENTITY_ID_TOKEN_CERTS_URL" envDefault:"https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"`
	SessionCertsURL string `env:"IDENTITY_SESSION_CERTS_URL" envDefault:"https://www.googleapis.com/identitytoolkit/v3/relyingparty/publicKeys"`
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数をすべて列挙したエラーを返す。
func Load() (*Config, error) {
	// .envは開発用。存在しなくてもよい。
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 環境変数では改行を "\n" のリテラルで渡すことが多いため実際の改行に戻す。
	cfg.Identity.PrivateKey = strings.ReplaceAll(cfg.Identity.PrivateKey, `\n`, "\n")

	// IDプロバイダが受け付けない有効期間では、正しいパスワードでもサインインが必ず失敗する
	if lifetime := cfg.SessionLifetime(); lifetime < identity.MinSessionLifetime || lifetime > identity.MaxSessionLifetime {
		return nil, fmt.Errorf("SESSION_MAX_AGE must be between %d and %d seconds: %d",
			int(identity.MinSessionLifetime.Seconds()), int(identity.MaxSessionLifetime.Seconds()), cfg.SessionMaxAge)
	}
	if cfg.ProviderTimeout <= 0 {
		return nil, fmt.Errorf("PROVIDER_TIMEOUT must be positive: %s", cfg.ProviderTimeout)
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("STORE_TIMEOUT must be positive: %s", cfg.StoreTimeout)
	}
	if cfg.AppEnv != EnvDevelopment && cfg.AppEnv != EnvProduction {
		return nil, fmt.Errorf("APP_ENV must be %q or %q: %q", EnvDevelopment, EnvProduction, cfg.AppEnv)
	}

	return cfg, nil
}

// IsProduction は本番環境で動作しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// CookieSecure はセッションCookieにSecure属性を付与するかを返す。
// 本番環境でのみ有効。
func (c *Config) CookieSecure() bool {
	return c.IsProduction()
}

// SessionLifetime はセッションの有効期間を返す。
func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}
