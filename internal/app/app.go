package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/gamehub/internal/auth"
	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/config"
	"github.com/hitoshi/gamehub/internal/database"
	"github.com/hitoshi/gamehub/internal/docstore"
	"github.com/hitoshi/gamehub/internal/handler"
	"github.com/hitoshi/gamehub/internal/identity"
	"github.com/hitoshi/gamehub/internal/library"
	"github.com/hitoshi/gamehub/internal/logger"
	"github.com/hitoshi/gamehub/internal/metrics"
	"github.com/hitoshi/gamehub/internal/middleware"
	"github.com/hitoshi/gamehub/internal/repository"
	"github.com/hitoshi/gamehub/internal/security"
	"github.com/hitoshi/gamehub/internal/stream"
	"github.com/hitoshi/gamehub/internal/user"
	"github.com/hitoshi/gamehub/internal/worker/cleanup"
)

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

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, cfg.SlogLevel())

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck と catalog は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandCatalog:
		return runCatalog(context.Background(), w, args[1:])
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openChangeFeed はライブラリ変更通知のフィードを開く。
// NATS_URLが設定されていればNATS、そうでなければPostgreSQLのLISTEN/NOTIFYを使う。
// 返されるcloseはフィードを停止する。
func openChangeFeed(ctx context.Context, cfg *config.Config, log *slog.Logger) (docstore.ChangeFeed, func(), error) {
	if cfg.NATSURL != "" {
		feed, err := docstore.NewNATSFeed(docstore.DefaultNATSFeedConfig(cfg.NATSURL), log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("library change feed: nats", slog.String("url", cfg.NATSURL))
		return feed, func() {
			if err := feed.Close(); err != nil {
				log.Warn("failed to close NATS feed", slog.String("error", err.Error()))
			}
		}, nil
	}

	feed, err := docstore.NewPGFeed(docstore.DefaultPGFeedConfig(cfg.DatabaseURL), log)
	if err != nil {
		return nil, nil, err
	}
	go feed.Run(ctx)
	log.Info("library change feed: postgres listen/notify")
	return feed, func() {
		if err := feed.Close(); err != nil {
			log.Warn("failed to close LISTEN connection", slog.String("error", err.Error()))
		}
	}, nil
}

// originChecker はWebSocketのOriginヘッダを検証する関数を返す。
// Originが無いリクエスト、同一ホスト、または許可されたオリジンからの接続を受け付ける。
func originChecker(allowed ...string) func(r *http.Request) bool {
	allow := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimRight(strings.TrimSpace(a), "/"); a != "" {
			allow[strings.ToLower(a)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allow[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	clock := clockwork.NewRealClock()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	linkRepo := repository.NewPostgresProviderLinkRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. カタログの読み込み
	cat, err := catalog.Load(ctx, catalog.Source{
		Path:      cfg.CatalogPath,
		URL:       cfg.CatalogURL,
		Client:    ssrfGuard.NewSafeClient(cfg.CatalogFetchTimeout),
		Sanitizer: sanitizer,
	})
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	slog.Info("catalog loaded", slog.Int("games", cat.Len()))

	// 5. リモートストアと変更フィード
	feed, closeFeed, err := openChangeFeed(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open change feed: %w", err)
	}
	defer closeFeed()

	store := docstore.NewPostgresStore(db, feed, clock, log, docstore.PostgresConfig{
		PollInterval: cfg.LibraryPollInterval,
	})

	// 6. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 7. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, linkRepo, sessionRepo,
		sanitizer, ssrfGuard,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	sessions := identity.NewRegistry(authService, store, identity.RegistryConfig{
		IdleTTL: cfg.SessionIdleTTL,
		Clock:   clock,
		Notifier: library.MultiNotifier{
			library.LogNotifier{Logger: log},
			collector.LibraryNotifier(),
		},
		Gauge:  collector.ActiveSessions(),
		Logger: log,
	})
	go sessions.Run(ctx)

	userService := user.NewService(userRepo, sessionRepo, store, sessions)

	streamCfg := stream.DefaultConfig()
	streamCfg.SearchDebounce = cfg.SearchDebounce
	streamCfg.CheckOrigin = originChecker(cfg.CORSAllowedOrigin, cfg.BaseURL)
	hub := stream.NewHub(cat, clock, streamCfg, log)
	defer hub.Close()

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitInstall),
	)
	defer rateLimiter.Stop()

	sessionAdapter := handler.NewSessionServiceAdapter(sessions, authService)
	authConfig := handler.AuthHandlerConfig{
		BaseURL:       cfg.BaseURL,
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		SessionResolver:   sessionAdapter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:         log,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),

		AuthService: sessionAdapter,
		AuthConfig:  authConfig,

		Catalog:        cat,
		LibraryService: sessionAdapter,
		Streams:        hub,

		UserService: handler.NewUserServiceAdapter(userService),
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	// WriteTimeoutはWebSocketのハイジャック後には適用されない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
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
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	sessions.Close()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを定期実行する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(db, clockwork.NewRealClock(), nil, slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
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
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
