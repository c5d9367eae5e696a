// Package auth はメールアドレスとパスワードによるサインアップ・サインインと、
// セッションCookieによるセッション管理を提供する。
//
// IDプロバイダとユーザーストアのエラーはこのパッケージの境界でmodel.ErrorKindに正規化され、
// 生のエラーコードが呼び出し側に漏れることはない。セッション確認の失敗は常に「未認証」として扱い、
// エラーとしては返さない。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/repository"
)

// IdentityProvider はIDプロバイダのインターフェース。identity.Clientが実装する。
type IdentityProvider interface {
	CreateAccount(ctx context.Context, email, password string) (string, error)
	VerifyCredentials(ctx context.Context, email, password string) (string, error)
	VerifyToken(ctx context.Context, idToken string) (*identity.Token, error)
	IssueSessionArtifact(ctx context.Context, idToken string, lifetime time.Duration) (string, error)
	VerifySessionArtifact(ctx context.Context, artifact string, checkRevocation bool) (*identity.Token, error)
	DeleteAccount(ctx context.Context, uid string) error
}

// MetricsRecorder は認証フローの結果を記録するインターフェース。
type MetricsRecorder interface {
	RecordSessionCheck(outcome string)
	RecordSignUp(outcome string)
	RecordSignIn(outcome string)
	RecordProviderLatency(operation string, duration time.Duration)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionLifetime time.Duration // セッションCookieの有効期間
	ProviderTimeout time.Duration // IDプロバイダ呼び出し1回あたりのタイムアウト
	StoreTimeout    time.Duration // ユーザーストア呼び出し1回あたりのタイムアウト
}

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	Name     string
	Email    string
	Password string
}

// SignInResult はサインイン成功時の結果。
type SignInResult struct {
	UserID          string
	SessionArtifact string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	provider IdentityProvider
	users    repository.UserRepository
	metrics  MetricsRecorder
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。metricsがnilの場合は記録しない。
func NewService(
	provider IdentityProvider,
	users repository.UserRepository,
	metrics MetricsRecorder,
	config ServiceConfig,
) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		provider: provider,
		users:    users,
		metrics:  metrics,
		config:   config,
		now:      time.Now,
	}
}

// SignUp はIDプロバイダにアカウントを作成し、ユーザーレコードを登録する。
// セッションは発行しない。利用者は続けてサインインする必要がある。
//
// 同じメールアドレスのユーザーレコードが既に存在する場合はIDプロバイダを呼び出さずに
// KindDuplicateAccountで失敗する。レコード登録に失敗した場合は作成したプロバイダのアカウントを削除する。
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*model.User, error) {
	user, err := s.signUp(ctx, in)
	s.metrics.RecordSignUp(outcomeOf(err))
	return user, err
}

func (s *Service) signUp(ctx context.Context, in SignUpInput) (*model.User, error) {
	existing, err := s.findByEmail(ctx, in.Email)
	if err != nil {
		return nil, model.NewAuthError(model.KindStoreUnavailable, err)
	}
	if existing != nil {
		return nil, model.NewAuthError(model.KindDuplicateAccount,
			fmt.Errorf("email already registered to user %s", existing.ID))
	}

	uid, err := s.createAccount(ctx, in.Email, in.Password)
	if err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return nil, model.NewAuthError(model.KindDuplicateAccount, err)
		}
		return nil, model.NewAuthError(model.KindAccountCreationFailed, err)
	}

	exists, err := s.exists(ctx, uid)
	if err != nil {
		s.compensate(ctx, uid)
		return nil, model.NewAuthError(model.KindStoreUnavailable, err)
	}
	if exists {
		return nil, model.NewAuthError(model.KindDuplicateAccount,
			fmt.Errorf("user record %s already exists", uid))
	}

	user := &model.User{
		ID:        uid,
		Name:      in.Name,
		Email:     in.Email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.insert(ctx, user); err != nil {
		s.compensate(ctx, uid)
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, model.NewAuthError(model.KindDuplicateAccount, err)
		}
		return nil, model.NewAuthError(model.KindStoreUnavailable, err)
	}

	slog.Info("user signed up",
		slog.String("user_id", uid),
	)
	return user, nil
}

// SignIn はメールアドレスとパスワードを検証し、セッションCookieの値を発行する。
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	result, err := s.signIn(ctx, email, password)
	s.metrics.RecordSignIn(outcomeOf(err))
	return result, err
}

func (s *Service) signIn(ctx context.Context, email, password string) (*SignInResult, error) {
	idToken, err := s.issueIdentityToken(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, email, idToken)
}

// SignInWithToken はクライアントが取得したIDトークンをセッションCookieの値と交換する。
// メールアドレスに一致するユーザーレコードが無い場合は、IDプロバイダが認証済みでも
// KindUserNotRegisteredで失敗する。
func (s *Service) SignInWithToken(ctx context.Context, email, idToken string) (*SignInResult, error) {
	result, err := s.exchange(ctx, email, idToken)
	s.metrics.RecordSignIn(outcomeOf(err))
	return result, err
}

// IssueIdentityToken はメールアドレスとパスワードを検証してIDトークンを返す。
// ブラウザ以外のクライアントがサインイン前に呼び出す。
func (s *Service) IssueIdentityToken(ctx context.Context, email, password string) (string, error) {
	return s.issueIdentityToken(ctx, email, password)
}

func (s *Service) issueIdentityToken(ctx context.Context, email, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	idToken, err := s.provider.VerifyCredentials(ctx, email, password)
	s.metrics.RecordProviderLatency("verify_credentials", time.Since(start))
	if err != nil {
		return "", providerError(err, model.KindAuthenticationFailed)
	}
	return idToken, nil
}

// exchange はIDトークンを検証し、ユーザーレコードを確認してからセッションCookieの値を発行する。
func (s *Service) exchange(ctx context.Context, email, idToken string) (*SignInResult, error) {
	tok, err := s.verifyToken(ctx, idToken)
	if err != nil {
		return nil, providerError(err, model.KindAuthenticationFailed)
	}

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, model.NewAuthError(model.KindStoreUnavailable, err)
	}
	if user == nil {
		return nil, model.NewAuthError(model.KindUserNotRegistered,
			fmt.Errorf("no user record for provider account %s", tok.UID))
	}
	if user.ID != tok.UID {
		return nil, model.NewAuthError(model.KindAuthenticationFailed,
			fmt.Errorf("token subject %s does not own email of user %s", tok.UID, user.ID))
	}

	artifact, err := s.issueSessionArtifact(ctx, idToken)
	if err != nil {
		return nil, providerError(err, model.KindAuthenticationFailed)
	}

	slog.Info("user signed in",
		slog.String("user_id", user.ID),
	)
	return &SignInResult{UserID: user.ID, SessionArtifact: artifact}, nil
}

// SignOut はサインアウトを記録する。Cookieの削除は呼び出し側が無条件に行う。
// セッションCookieが不正でも失敗しない。
func (s *Service) SignOut(ctx context.Context, artifact string) {
	if artifact == "" {
		slog.Info("sign-out without session")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	tok, err := s.provider.VerifySessionArtifact(ctx, artifact, false)
	if err != nil {
		slog.Info("sign-out with unverifiable session",
			slog.String("reason", string(reasonOf(err))),
		)
		return
	}
	slog.Info("user signed out",
		slog.String("user_id", tok.UID),
	)
}

// createAccount はタイムアウト付きでプロバイダにアカウントを作成する。
func (s *Service) createAccount(ctx context.Context, email, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	uid, err := s.provider.CreateAccount(ctx, email, password)
	s.metrics.RecordProviderLatency("create_account", time.Since(start))
	return uid, err
}

func (s *Service) verifyToken(ctx context.Context, idToken string) (*identity.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	tok, err := s.provider.VerifyToken(ctx, idToken)
	s.metrics.RecordProviderLatency("verify_token", time.Since(start))
	return tok, err
}

func (s *Service) issueSessionArtifact(ctx context.Context, idToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	artifact, err := s.provider.IssueSessionArtifact(ctx, idToken, s.config.SessionLifetime)
	s.metrics.RecordProviderLatency("issue_session", time.Since(start))
	return artifact, err
}

// compensate はユーザーレコードを登録できなかった場合に、作成済みのプロバイダのアカウントを削除する。
// 呼び出し元のコンテキストが期限切れでも実行できるよう、キャンセルを引き継がない。
func (s *Service) compensate(ctx context.Context, uid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ProviderTimeout)
	defer cancel()

	if err := s.provider.DeleteAccount(ctx, uid); err != nil {
		slog.Error("failed to delete orphaned provider account",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Warn("deleted orphaned provider account",
		slog.String("user_id", uid),
	)
}

func (s *Service) exists(ctx context.Context, uid string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.users.Exists(ctx, uid)
}

func (s *Service) insert(ctx context.Context, user *model.User) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.users.Insert(ctx, user)
}

func (s *Service) findByEmail(ctx context.Context, email string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.users.FindByEmail(ctx, email)
}

func (s *Service) findByID(ctx context.Context, id string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.users.FindByID(ctx, id)
}

// providerError はIDプロバイダのエラーを正規化する。
// 到達不能はKindProviderUnavailable、それ以外はfallbackの種別になる。
func providerError(err error, fallback model.ErrorKind) error {
	if errors.Is(err, identity.ErrUnavailable) {
		return model.NewAuthError(model.KindProviderUnavailable, err)
	}
	return model.NewAuthError(fallback, err)
}

// outcomeOf はメトリクス用の結果ラベルを返す。
func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if kind := model.KindOf(err); kind != "" {
		return string(kind)
	}
	return "unknown"
}

type nopMetrics struct{}

func (nopMetrics) RecordSessionCheck(string)                    {}
func (nopMetrics) RecordSignUp(string)                          {}
func (nopMetrics) RecordSignIn(string)                          {}
func (nopMetrics) RecordProviderLatency(string, time.Duration) {}
