package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/model"
)

// SessionReason はセッション確認の結果理由を表す。ログとメトリクスのラベルに使う。
type SessionReason string

// 定義済みのセッション確認結果。
const (
	ReasonAuthenticated       SessionReason = "authenticated"
	ReasonMissing             SessionReason = "missing"
	ReasonInvalid             SessionReason = "invalid"
	ReasonExpired             SessionReason = "expired"
	ReasonRevoked             SessionReason = "revoked"
	ReasonProviderUnavailable SessionReason = "provider_unavailable"
	ReasonUserNotFound        SessionReason = "user_not_found"
	ReasonStoreUnavailable    SessionReason = "store_unavailable"
)

// SessionState はセッション確認の結果。
// Userがnilでない場合のみ認証済みであり、それ以外はReasonが未認証の理由を示す。
type SessionState struct {
	User   *model.User
	Reason SessionReason
}

// Authenticated は認証済みかを返す。
func (s SessionState) Authenticated() bool {
	return s.User != nil
}

// Err は未認証の理由をKindSessionInvalidのAuthErrorとして返す。認証済みの場合はnil。
// 理由はログとメトリクス専用で、利用者には未認証であることしか伝えない。
func (s SessionState) Err() error {
	if s.Authenticated() {
		return nil
	}
	return model.NewAuthError(model.KindSessionInvalid, fmt.Errorf("session %s", s.Reason))
}

// CheckSession はセッションCookieの値を失効確認込みで検証し、対応するユーザーレコードを取得する。
// どの段階で失敗しても未認証の状態を返し、エラーは返さない。
func (s *Service) CheckSession(ctx context.Context, artifact string) SessionState {
	state := s.checkSession(ctx, artifact)
	s.metrics.RecordSessionCheck(string(state.Reason))

	switch state.Reason {
	case ReasonAuthenticated, ReasonMissing:
		// 正常系のため記録しない
	case ReasonProviderUnavailable, ReasonStoreUnavailable:
		slog.Warn("session check failed",
			slog.String("reason", string(state.Reason)),
			slog.String("error", state.Err().Error()),
		)
	default:
		slog.Debug("session rejected",
			slog.String("reason", string(state.Reason)),
			slog.String("error", state.Err().Error()),
		)
	}
	return state
}

func (s *Service) checkSession(ctx context.Context, artifact string) SessionState {
	if artifact == "" {
		return SessionState{Reason: ReasonMissing}
	}

	tok, err := s.verifySession(ctx, artifact)
	if err != nil {
		return SessionState{Reason: reasonOf(err)}
	}

	user, err := s.findByID(ctx, tok.UID)
	if err != nil {
		slog.Warn("failed to load session user",
			slog.String("user_id", tok.UID),
			slog.String("error", err.Error()),
		)
		return SessionState{Reason: ReasonStoreUnavailable}
	}
	if user == nil {
		return SessionState{Reason: ReasonUserNotFound}
	}
	return SessionState{User: user, Reason: ReasonAuthenticated}
}

// CurrentUser は認証済みユーザーを返す。未認証の場合はnilを返す。
func (s *Service) CurrentUser(ctx context.Context, artifact string) *model.User {
	return s.CheckSession(ctx, artifact).User
}

// IsAuthenticated は認証済みかを返す。
func (s *Service) IsAuthenticated(ctx context.Context, artifact string) bool {
	return s.CheckSession(ctx, artifact).Authenticated()
}

func (s *Service) verifySession(ctx context.Context, artifact string) (*identity.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()
	return s.provider.VerifySessionArtifact(ctx, artifact, true)
}

// reasonOf はセッション検証エラーを結果理由に変換する。
func reasonOf(err error) SessionReason {
	switch {
	case errors.Is(err, identity.ErrUnavailable):
		return ReasonProviderUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonProviderUnavailable
	case errors.Is(err, identity.ErrExpired):
		return ReasonExpired
	case errors.Is(err, identity.ErrRevoked):
		return ReasonRevoked
	default:
		return ReasonInvalid
	}
}
