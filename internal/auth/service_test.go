package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/gamehub/internal/model"
	"github.com/hitoshi/gamehub/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn               func(ctx context.Context, id string) (*model.User, error)
	createWithProviderLinkFn func(ctx context.Context, user *model.User, link *model.ProviderLink) error
	updateProfileFn          func(ctx context.Context, id, name, photoURL string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithProviderLink(ctx context.Context, user *model.User, link *model.ProviderLink) error {
	if m.createWithProviderLinkFn != nil {
		return m.createWithProviderLinkFn(ctx, user, link)
	}
	return nil
}

func (m *mockUserRepo) UpdateProfile(ctx context.Context, id, name, photoURL string) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, id, name, photoURL)
	}
	return nil, nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockLinkRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error)
}

func (m *mockLinkRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.ProviderLinkRepository = (*mockLinkRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)

type fakeSanitizer struct{}

func (fakeSanitizer) SanitizeDisplayName(name string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(name, "<b>", ""), "</b>", ""))
}

type fakeURLGuard struct {
	err error
}

func (g fakeURLGuard) ValidateURL(string) error { return g.err }

func newTestService(oauth OAuthProvider, users repository.UserRepository, links repository.ProviderLinkRepository, sessions repository.SessionRepository) *Service {
	return NewService(oauth, users, links, sessions, fakeSanitizer{}, fakeURLGuard{}, ServiceConfig{SessionMaxAge: 86400})
}

// --- テスト ---

func TestGetLoginURL_ReturnsOAuthURL(t *testing.T) {
	provider := &mockOAuthProvider{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	svc := newTestService(provider, nil, nil, nil)

	url := svc.GetLoginURL("test-state")

	if url == "" {
		t.Fatal("expected non-empty URL")
	}
	expected := "https://accounts.google.com/o/oauth2/auth?state=test-state"
	if url != expected {
		t.Errorf("GetLoginURL() = %q, want %q", url, expected)
	}
}

func TestHandleCallback_NewUser_CreatesUserAndLinkAndSession(t *testing.T) {
	ctx := context.Background()

	var createdUser *model.User
	var createdLink *model.ProviderLink
	var createdSession *model.Session

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "google-user-123",
				Email:          "test@example.com",
				Name:           "Test User",
				PhotoURL:       "https://example.com/photo.png",
				Provider:       "google",
			}, nil
		},
	}

	userRepo := &mockUserRepo{
		createWithProviderLinkFn: func(ctx context.Context, user *model.User, link *model.ProviderLink) error {
			createdUser = user
			createdLink = link
			return nil
		},
	}

	linkRepo := &mockLinkRepo{
		findByProviderFn: func(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error) {
			// ユーザーが見つからない（新規ユーザー）
			return nil, nil
		},
	}

	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := newTestService(provider, userRepo, linkRepo, sessionRepo)

	session, user, err := svc.HandleCallback(ctx, "auth-code-123")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	// セッションが返されること
	if session == nil {
		t.Fatal("expected non-nil session")
	}
	if session.ID == "" {
		t.Error("expected non-empty session ID")
	}
	if session.UserID == "" {
		t.Error("expected non-empty user ID in session")
	}

	if user == nil || user.ID != session.UserID {
		t.Errorf("returned user = %+v, want ID %q", user, session.UserID)
	}

	// ユーザーが作成されること
	if createdUser == nil {
		t.Fatal("expected user to be created")
	}
	if createdUser.Email != "test@example.com" {
		t.Errorf("user email = %q, want %q", createdUser.Email, "test@example.com")
	}
	if createdUser.Name != "Test User" {
		t.Errorf("user name = %q, want %q", createdUser.Name, "Test User")
	}

	// provider_linkが作成されること
	if createdLink == nil {
		t.Fatal("expected provider link to be created")
	}
	if createdLink.Provider != "google" {
		t.Errorf("link provider = %q, want %q", createdLink.Provider, "google")
	}
	if createdLink.ProviderUserID != "google-user-123" {
		t.Errorf("link providerUserID = %q, want %q", createdLink.ProviderUserID, "google-user-123")
	}
	if createdLink.UserID != createdUser.ID {
		t.Errorf("link userID = %q, want %q", createdLink.UserID, createdUser.ID)
	}
	if createdUser.PhotoURL != "https://example.com/photo.png" {
		t.Errorf("user photoURL = %q, want %q", createdUser.PhotoURL, "https://example.com/photo.png")
	}

	// セッションが作成されること
	if createdSession == nil {
		t.Fatal("expected session to be created")
	}
	if createdSession.UserID != createdUser.ID {
		t.Errorf("session userID = %q, want %q", createdSession.UserID, createdUser.ID)
	}
	if createdSession.ExpiresAt.Before(time.Now()) {
		t.Error("session should not be expired")
	}
}

func TestHandleCallback_ExistingUser_LogsInAndCreatesSession(t *testing.T) {
	ctx := context.Background()

	existingUserID := "existing-user-id-456"
	var createdSession *model.Session

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "google-user-789",
				Email:          "existing@example.com",
				Name:           "Existing User",
				Provider:       "google",
			}, nil
		},
	}

	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{
				ID:    existingUserID,
				Email: "existing@example.com",
				Name:  "Existing User",
			}, nil
		},
	}

	linkRepo := &mockLinkRepo{
		findByProviderFn: func(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error) {
			// 既存ユーザーのidentityが見つかる
			return &model.ProviderLink{
				ID:             "link-id-1",
				UserID:         existingUserID,
				Provider:       "google",
				ProviderUserID: "google-user-789",
			}, nil
		},
	}

	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := newTestService(provider, userRepo, linkRepo, sessionRepo)

	session, user, err := svc.HandleCallback(ctx, "auth-code-existing")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if session == nil {
		t.Fatal("expected non-nil session")
	}
	if session.UserID != existingUserID {
		t.Errorf("session userID = %q, want %q", session.UserID, existingUserID)
	}
	if user.Name != "Existing User" {
		t.Errorf("user name = %q, want %q", user.Name, "Existing User")
	}

	// セッションが作成されること
	if createdSession == nil {
		t.Fatal("expected session to be created")
	}
	if createdSession.UserID != existingUserID {
		t.Errorf("session userID = %q, want %q", createdSession.UserID, existingUserID)
	}
}

func TestHandleCallback_OAuthError_ReturnsError(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return nil, errors.New("oauth exchange failed")
		},
	}

	svc := newTestService(provider, nil, nil, nil)

	_, _, err := svc.HandleCallback(ctx, "bad-code")
	if err == nil {
		t.Fatal("expected error from HandleCallback")
	}
}

func TestHandleCallback_UserCreationError_ReturnsError(t *testing.T) {
	ctx := context.Background()

	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "google-user-err",
				Email:          "error@example.com",
				Name:           "Error User",
				Provider:       "google",
			}, nil
		},
	}

	linkRepo := &mockLinkRepo{
		findByProviderFn: func(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error) {
			return nil, nil // 新規ユーザー
		},
	}

	userRepo := &mockUserRepo{
		createWithProviderLinkFn: func(ctx context.Context, user *model.User, link *model.ProviderLink) error {
			return errors.New("db error")
		},
	}

	svc := newTestService(provider, userRepo, linkRepo, nil)

	_, _, err := svc.HandleCallback(ctx, "auth-code-err")
	if err == nil {
		t.Fatal("expected error from HandleCallback")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	ctx := context.Background()

	var deletedSessionID string

	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedSessionID = id
			return nil
		},
	}

	svc := newTestService(nil, nil, nil, sessionRepo)

	err := svc.Logout(ctx, "session-to-delete")
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if deletedSessionID != "session-to-delete" {
		t.Errorf("deleted session ID = %q, want %q", deletedSessionID, "session-to-delete")
	}
}

func TestLogout_EmptySessionID_ReturnsError(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(nil, nil, nil, nil)

	err := svc.Logout(ctx, "")
	if err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestGetCurrentUser_ValidSession_ReturnsUser(t *testing.T) {
	ctx := context.Background()

	userID := "user-id-123"

	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{
				ID:        "session-valid",
				UserID:    userID,
				ExpiresAt: time.Now().Add(1 * time.Hour),
			}, nil
		},
	}

	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{
				ID:    userID,
				Email: "user@example.com",
				Name:  "Test User",
			}, nil
		},
	}

	svc := newTestService(nil, userRepo, nil, sessionRepo)

	user, err := svc.GetCurrentUser(ctx, "session-valid")
	if err != nil {
		t.Fatalf("GetCurrentUser() error = %v", err)
	}

	if user == nil {
		t.Fatal("expected non-nil user")
	}
	if user.ID != userID {
		t.Errorf("user ID = %q, want %q", user.ID, userID)
	}
}

func TestGetCurrentUser_ExpiredSession_ReturnsError(t *testing.T) {
	ctx := context.Background()

	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			// 期限切れセッション -> リポジトリはnilを返す
			return nil, nil
		},
	}

	svc := newTestService(nil, nil, nil, sessionRepo)

	_, err := svc.GetCurrentUser(ctx, "expired-session")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetCurrentUser_EmptySessionID_ReturnsError(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(nil, nil, nil, nil)

	_, err := svc.GetCurrentUser(ctx, "")
	if err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestUpdateProfile_SanitizesNameAndPersists(t *testing.T) {
	ctx := context.Background()

	var gotName, gotPhoto string
	userRepo := &mockUserRepo{
		updateProfileFn: func(ctx context.Context, id, name, photoURL string) (*model.User, error) {
			gotName, gotPhoto = name, photoURL
			return &model.User{ID: id, Name: name, PhotoURL: photoURL}, nil
		},
	}
	svc := newTestService(nil, userRepo, nil, nil)

	user, err := svc.UpdateProfile(ctx, "user-1", " <b>Link</b> ", " https://example.com/link.png ")
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if gotName != "Link" {
		t.Errorf("persisted name = %q, want %q", gotName, "Link")
	}
	if gotPhoto != "https://example.com/link.png" {
		t.Errorf("persisted photo = %q, want %q", gotPhoto, "https://example.com/link.png")
	}
	if user.Name != "Link" {
		t.Errorf("user name = %q, want %q", user.Name, "Link")
	}
}

func TestUpdateProfile_EmptyName_ReturnsInvalidProfile(t *testing.T) {
	svc := newTestService(nil, &mockUserRepo{}, nil, nil)

	_, err := svc.UpdateProfile(context.Background(), "user-1", "<b></b>", "")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidProfile {
		t.Fatalf("expected INVALID_PROFILE, got %v", err)
	}
}

func TestUpdateProfile_BadPhotoURL_ReturnsInvalidProfile(t *testing.T) {
	called := false
	userRepo := &mockUserRepo{
		updateProfileFn: func(ctx context.Context, id, name, photoURL string) (*model.User, error) {
			called = true
			return nil, nil
		},
	}
	svc := NewService(nil, userRepo, nil, nil, fakeSanitizer{}, fakeURLGuard{err: errors.New("blocked")}, ServiceConfig{})

	_, err := svc.UpdateProfile(context.Background(), "user-1", "Link", "http://169.254.169.254/")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidProfile {
		t.Fatalf("expected INVALID_PROFILE, got %v", err)
	}
	if called {
		t.Error("repository must not be called for invalid photo URL")
	}
}

func TestUpdateProfile_EmptyPhotoURL_SkipsValidation(t *testing.T) {
	userRepo := &mockUserRepo{
		updateProfileFn: func(ctx context.Context, id, name, photoURL string) (*model.User, error) {
			return &model.User{ID: id, Name: name}, nil
		},
	}
	svc := NewService(nil, userRepo, nil, nil, fakeSanitizer{}, fakeURLGuard{err: errors.New("should not be called")}, ServiceConfig{})

	if _, err := svc.UpdateProfile(context.Background(), "user-1", "Link", ""); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
}

func TestUpdateProfile_UnknownUser_ReturnsUserNotFound(t *testing.T) {
	svc := newTestService(nil, &mockUserRepo{}, nil, nil)

	_, err := svc.UpdateProfile(context.Background(), "ghost", "Link", "")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Fatalf("expected USER_NOT_FOUND, got %v", err)
	}
}
