// Package docstore はユーザーごとのライブラリ文書を保持するリモートストアを提供する。
//
// ライブラリはユーザーIDをキーとする1文書として扱い、エントリはゲームIDごとに
// 作成または置換される。書き込みは文脈上のプリンシパルが文書の所有者である
// 場合のみ許可される。
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/gamehub/internal/model"
)

var (
	// ErrNotFound はユーザーのライブラリ文書がまだ存在しないことを表す。
	ErrNotFound = errors.New("docstore: library not found")
	// ErrPermissionDenied は認可ルールにより操作が拒否されたことを表す。
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrUnavailable はバックエンドの一般的な障害を表す。
	ErrUnavailable = errors.New("docstore: remote unavailable")
)

// Store はライブラリ同期が依存するリモート文書ストアの操作。
type Store interface {
	// FetchUserLibrary はライブラリ文書を1回取得する。存在しない場合はErrNotFound。
	FetchUserLibrary(ctx context.Context, userID string) (*model.LibraryRecord, error)

	// CreateUserLibrary は空のライブラリ文書を作成する。既に存在する場合は何もしない。
	CreateUserLibrary(ctx context.Context, userID string) error

	// SubscribeUserLibrary は文書の変更を購読する。
	// 登録直後に現在の内容を1回通知し、以降は変更のたびにonChangeを呼ぶ。
	// 返されたcancelを呼ぶと、それ以降のコールバックは発生しない。
	SubscribeUserLibrary(ctx context.Context, userID string, onChange func(model.LibraryRecord), onError func(error)) (cancel func(), err error)

	// UpsertLibraryEntry は(userID, gameID)のエントリを作成または置換する。冪等。
	UpsertLibraryEntry(ctx context.Context, userID, gameID string, game model.InstalledGame) error

	// DeleteLibraryEntry は(userID, gameID)のエントリを削除する。存在しなくてもエラーにしない。
	DeleteLibraryEntry(ctx context.Context, userID, gameID string) error

	// DeleteUserLibrary はライブラリ文書とすべてのエントリを削除する。
	DeleteUserLibrary(ctx context.Context, userID string) error
}

type principalKey struct{}

// WithPrincipal は操作主体のユーザーIDをコンテキストに設定する。
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey{}, userID)
}

// PrincipalFromContext はコンテキストから操作主体のユーザーIDを取得する。
func PrincipalFromContext(ctx context.Context) string {
	v, _ := ctx.Value(principalKey{}).(string)
	return v
}

// authorize は操作主体が文書の所有者であることを確認する。
func authorize(ctx context.Context, userID string) error {
	principal := PrincipalFromContext(ctx)
	if principal == "" || principal != userID {
		return fmt.Errorf("principal %q cannot access library of %q: %w", principal, userID, ErrPermissionDenied)
	}
	return nil
}

// insufficientPrivilege はPostgreSQLのinsufficient_privilegeエラーコード。
const insufficientPrivilege pq.ErrorCode = "42501"

// Classify はバックエンドのエラーをErrPermissionDeniedかErrUnavailableに分類する。
// 既に分類済みのエラーとErrNotFoundはそのまま返す。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == insufficientPrivilege {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, pqErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsPermissionDenied はerrが権限エラーかを返す。
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
