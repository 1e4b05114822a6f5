// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/gamehub/internal/docstore"
	"github.com/hitoshi/gamehub/internal/model"
	"github.com/hitoshi/gamehub/internal/repository"
)

// LibraryDeleter はユーザーのライブラリ文書を削除する。docstore.Storeが実装する。
type LibraryDeleter interface {
	DeleteUserLibrary(ctx context.Context, userID string) error
}

// LiveSessions はメモリ上で同期中のブラウザセッションを未ログインにする。
// identity.Registryが実装する。
type LiveSessions interface {
	SignOutUser(userID string) int
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	libraries   LibraryDeleter
	live        LiveSessions
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	libraries LibraryDeleter,
	live LiveSessions,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		libraries:   libraries,
		live:        live,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: 同期中セッション → library → sessions → user（+ CASCADE: provider_links）
// 先に同期を止めるため、退会中に別タブからの書き込みでライブラリが再作成されることはない。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. メモリ上のセッションを未ログインにする
	if s.live != nil {
		n := s.live.SignOutUser(userID)
		slog.Info("同期中のセッションを終了しました",
			slog.String("user_id", userID),
			slog.Int("count", n),
		)
	}

	// 2. ライブラリを削除（本人として削除する）
	if s.libraries != nil {
		if err := s.libraries.DeleteUserLibrary(docstore.WithPrincipal(ctx, userID), userID); err != nil {
			return fmt.Errorf("ライブラリの削除に失敗しました: %w", err)
		}
	}

	// 3. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 4. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
