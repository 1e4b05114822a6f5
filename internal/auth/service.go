// Package auth はOAuth認証フロー、セッション管理、プロフィール更新を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/gamehub/internal/model"
	"github.com/hitoshi/gamehub/internal/repository"
)

// ErrSessionNotFound はセッションが存在しないか期限切れの場合に返される。
var ErrSessionNotFound = errors.New("session not found or expired")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	PhotoURL       string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// NameSanitizer は表示名を無害化する。
type NameSanitizer interface {
	SanitizeDisplayName(name string) string
}

// URLValidator は写真URLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	linkRepo    repository.ProviderLinkRepository
	sessionRepo repository.SessionRepository
	sanitizer   NameSanitizer
	urlGuard    URLValidator
	config      ServiceConfig
}

// NewService はServiceを生成する。
// sanitizerとurlGuardはプロフィール更新時にのみ使用する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	linkRepo repository.ProviderLinkRepository,
	sessionRepo repository.SessionRepository,
	sanitizer NameSanitizer,
	urlGuard URLValidator,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		linkRepo:    linkRepo,
		sessionRepo: sessionRepo,
		sanitizer:   sanitizer,
		urlGuard:    urlGuard,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションとログインユーザーを返す。
// 未登録ユーザーの場合はusersレコードとprovider_linksレコードを同時に作成する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, *model.User, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	link, err := s.linkRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find provider link: %w", err)
	}

	var user *model.User

	if link != nil {
		user, err = s.userRepo.FindByID(ctx, link.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, nil, fmt.Errorf("user %s for provider link not found", link.UserID)
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)
	} else {
		now := time.Now()
		user = &model.User{
			ID:        uuid.New().String(),
			Email:     userInfo.Email,
			Name:      userInfo.Name,
			PhotoURL:  userInfo.PhotoURL,
			CreatedAt: now,
			UpdatedAt: now,
		}
		newLink := &model.ProviderLink{
			ID:             uuid.New().String(),
			UserID:         user.ID,
			Provider:       userInfo.Provider,
			ProviderUserID: userInfo.ProviderUserID,
			CreatedAt:      now,
		}

		if err := s.userRepo.CreateWithProviderLink(ctx, user, newLink); err != nil {
			return nil, nil, fmt.Errorf("failed to create user and provider link: %w", err)
		}

		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
// セッションが無効な場合はErrSessionNotFoundを返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrSessionNotFound
	}

	return user, nil
}

// UpdateProfile は表示名と写真URLを更新する。
// 表示名はタグを除去して正規化し、空になる場合はINVALID_PROFILEを返す。
// 写真URLは空（削除）またはhttp/httpsの公開URLのみ受け付ける。
func (s *Service) UpdateProfile(ctx context.Context, userID, displayName, photoURL string) (*model.User, error) {
	name := s.sanitizer.SanitizeDisplayName(displayName)
	if name == "" {
		return nil, model.NewInvalidProfileError("表示名が空です")
	}

	photoURL = strings.TrimSpace(photoURL)
	if photoURL != "" {
		if err := s.urlGuard.ValidateURL(photoURL); err != nil {
			return nil, model.NewInvalidProfileError("写真URLが不正です")
		}
	}

	user, err := s.userRepo.UpdateProfile(ctx, userID, name, photoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("profile updated", slog.String("user_id", userID))
	return user, nil
}

func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
