package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/metrics"
	"github.com/hitoshi/gamehub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger

	// メトリクス（任意）
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// カタログとライブラリ
	Catalog        *catalog.Catalog
	LibraryService LibraryServiceInterface
	Streams        StreamServer

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  認証ルート: Session → RateLimit(General) → CSRF [→ RateLimit(Install)]
//
// 認証ルート（/auth/*）、カタログ、ヘルスチェックはセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(metrics.Middleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	gameHandler := NewGameHandler(deps.Catalog)
	libraryHandler := NewLibraryHandler(deps.LibraryService, deps.Catalog, deps.Streams)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// 認証ルート（OAuthフロー）
	r.Get("/auth/google/login", authHandler.Login)
	r.Get("/auth/google/callback", authHandler.Callback)
	r.Post("/auth/logout", authHandler.Logout)
	r.Get("/auth/me", authHandler.Me)

	// カタログ
	r.Get("/api/games", gameHandler.ListGames)
	r.Get("/api/games/popular", gameHandler.PopularGames)
	r.Get("/api/games/{id}", gameHandler.GetGame)
	r.Get("/api/categories", gameHandler.ListCategories)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Patch("/auth/me", authHandler.UpdateProfile)

		r.Route("/api/library", func(r chi.Router) {
			r.Get("/", libraryHandler.GetLibrary)
			r.Get("/stream", libraryHandler.Stream)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.InstallMiddleware())
				r.Put("/{gameID}", libraryHandler.Install)
				r.Delete("/{gameID}", libraryHandler.Uninstall)
			})
		})

		r.Delete("/api/users/me", userHandler.Withdraw)
	})

	return r
}
