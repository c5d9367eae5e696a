// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/prepwiser/internal/identity"
	"github.com/hitoshi/prepwiser/internal/model"
	"github.com/hitoshi/prepwiser/internal/repository"
)

// AccountDeleter はIDプロバイダのアカウント削除インターフェース。identity.Clientが実装する。
type AccountDeleter interface {
	DeleteAccount(ctx context.Context, uid string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	accounts AccountDeleter
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, accounts AccountDeleter) *Service {
	return &Service{
		userRepo: userRepo,
		accounts: accounts,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: プロバイダのアカウント → ユーザーレコード
// 先にアカウントを削除することで、発行済みのセッションCookieは失効確認で拒否される。
// アカウントの削除に失敗した場合はレコードを残し、再試行できるようにする。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("account withdrawal started",
		slog.String("user_id", userID),
	)

	if err := s.accounts.DeleteAccount(ctx, userID); err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("failed to delete provider account: %w", err)
		}
		slog.Warn("provider account already deleted",
			slog.String("user_id", userID),
		)
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	slog.Info("account withdrawal completed",
		slog.String("user_id", userID),
	)

	return nil
}
