// Package app はポータルの依存関係を組み立て、サブコマンドを実行する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/shopportal/internal/config"
	"github.com/hitoshi/shopportal/internal/database"
	"github.com/hitoshi/shopportal/internal/handler"
	"github.com/hitoshi/shopportal/internal/logger"
	"github.com/hitoshi/shopportal/internal/metrics"
	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/navigator"
	"github.com/hitoshi/shopportal/internal/repository"
	"github.com/hitoshi/shopportal/internal/security"
	"github.com/hitoshi/shopportal/internal/session"
	"github.com/hitoshi/shopportal/internal/visitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

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

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINT・SIGTERMで停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("visitor_store", cfg.VisitorStore),
	)

	switch cmd {
	case CommandMigrate:
		action, err := ParseMigrateAction(args)
		if err != nil {
			return err
		}
		return runMigrate(cfg, action)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はポータルのHTTPサーバーと訪問者の掃除ジョブを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. 訪問者ストア
	repo, closeRepo, err := openVisitorStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	// 2. バックエンドへの通信路
	transport, err := backendTransport(cfg)
	if err != nil {
		return err
	}

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. 訪問者レジストリ
	paths := session.Paths{Dashboard: cfg.DashboardPath, Login: cfg.LoginPath}
	nav := navigator.NewHTTP(slog.Default())
	registry := visitor.NewRegistry(repo, nav, visitor.Config{
		BackendURL:     cfg.BackendURL,
		Transport:      transport,
		GatewayTimeout: cfg.GatewayTimeout,
		MaxAge:         time.Duration(cfg.VisitorMaxAge) * time.Second,
		CheckDebounce:  cfg.AvailabilityDebounce,
		CheckRate:      rate.Limit(cfg.AvailabilityRate),
		CheckBurst:     1,
		Paths:          paths,
		Sanitizer:      security.NewMessageSanitizer(),
		Observer:       collector,
		Gauge:          collector,
		Logger:         slog.Default(),
	})

	// 5. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Visitors: registry,
		VisitorCookie: middleware.VisitorCookieConfig{
			MaxAge:       cfg.VisitorMaxAge,
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Navigator: nav,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Site: handler.SiteConfig{
			Paths:      paths,
			PortalURL:  cfg.BaseURL,
			TenantHost: cfg.TenantHost,
		},
		GuardWait: cfg.GuardWait,
		Metrics:   collector,
		Gatherer:  reg,
		Logger:    slog.Default(),
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ガードの待機とバックエンド呼び出しを含めても収まる長さ
		WriteTimeout: cfg.GatewayTimeout + cfg.GuardWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper := visitor.NewSweeper(registry, repo, slog.Default())
	sweeper.IdleTimeout = cfg.VisitorIdleTimeout

	g, gctx := errgroup.WithContext(ctx)

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	g.Go(func() error {
		slog.Info("portal server starting", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("visitor sweeper starting",
			slog.Duration("interval", cfg.SweepInterval),
			slog.Duration("idle_timeout", cfg.VisitorIdleTimeout),
		)
		return sweeper.Start(gctx, cfg.SweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down portal server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("portal server stopped gracefully", slog.Int("visitors", registry.Len()))
	return nil
}

// openVisitorStore は設定された訪問者ストアを開き、後始末用の関数とともに返す。
func openVisitorStore(ctx context.Context, cfg *config.Config) (repository.VisitorRepository, func(), error) {
	switch cfg.VisitorStore {
	case config.StorePostgres:
		db, err := database.OpenAndPing(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("database connection established")
		return repository.NewPostgresVisitorRepo(db), func() { db.Close() }, nil
	case config.StoreRedis:
		client, err := database.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("redis connection established")
		return repository.NewRedisVisitorRepo(client), func() { client.Close() }, nil
	default:
		slog.Warn("visitor sessions are kept in memory and will not survive a restart")
		return repository.NewMemoryVisitorRepo(), func() {}, nil
	}
}

// backendTransport はゲートウェイが共有するRoundTripperを返す。
// GATEWAY_SAFE_DIALが有効な場合はプライベートアドレスへの接続を遮断する。
func backendTransport(cfg *config.Config) (http.RoundTripper, error) {
	if !cfg.GatewaySafeDial {
		return http.DefaultTransport.(*http.Transport).Clone(), nil
	}
	transport, err := security.SafeBackendTransport(cfg.BackendURL, cfg.GatewayTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend transport: %w", err)
	}
	return transport, nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
