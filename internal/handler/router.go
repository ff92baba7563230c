package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/shopportal/internal/guard"
	"github.com/hitoshi/shopportal/internal/metrics"
	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/navigator"
	"github.com/hitoshi/shopportal/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 訪問者
	Visitors      VisitorRegistry
	VisitorCookie middleware.VisitorCookieConfig
	Navigator     navigator.Navigator

	// ミドルウェア依存
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ページ
	Site SiteConfig
	// GuardWait はセッション確認中に確定を待つ最大時間。
	GuardWait time.Duration

	// メトリクス（nilの場合は/metricsを公開しない）
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → TenantHost
//	  → Visitor → RateLimit(General) → CSRF → [RouteGuard] → [RateLimit(Auth)]
//
// /health と /metrics は訪問者を作らないよう、Visitorミドルウェアの外に配置する。
// {tenant}.{TenantHost} へのリクエストはテナント用ルーターで処理する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	renderer := NewRenderer(deps.Site, logger)
	authHandler := NewAuthHandler(deps.Visitors, renderer)
	var observer TenantObserver
	if deps.Metrics != nil {
		observer = deps.Metrics
	}
	portal := NewPortalHandler(renderer, deps.Navigator, observer)
	api := NewAPIHandler()

	site := renderer.site
	visitorMW := middleware.NewVisitorMiddleware(deps.Visitors, deps.VisitorCookie)
	csrfMW := middleware.NewCSRFMiddleware(deps.CSRF)
	pending := http.HandlerFunc(portal.Pending)
	routeGuard := guard.New(stateSource, guard.Config{
		LoginPath: site.Paths.Login,
		Wait:      deps.GuardWait,
		Pending:   pending,
		Logger:    logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Site.PortalURL))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	if site.TenantHost != "" {
		// テナントのサブドメインでは未ログイン時にポータルのログイン画面へ戻す
		tenantGuard := guard.New(stateSource, guard.Config{
			LoginPath: strings.TrimRight(site.PortalURL, "/") + site.Paths.Login,
			Wait:      deps.GuardWait,
			Pending:   pending,
			Logger:    logger,
		})
		tr := chi.NewRouter()
		tr.Use(visitorMW)
		tr.Use(deps.RateLimiter.GeneralMiddleware())
		tr.Use(csrfMW)
		tr.With(tenantGuard.Middleware).Get("/", portal.ShopView)
		r.Use(tenant.HostMiddleware(site.TenantHost, tr))
	}

	// --- 訪問者を作らないルート ---
	r.Get("/health", Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 訪問者ごとのセッションコアを使うルート ---
	r.Group(func(r chi.Router) {
		r.Use(visitorMW)
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(csrfMW)

		r.Get("/", portal.Home)
		r.Get(site.Paths.Login, authHandler.LoginPage)
		r.Get("/signup", authHandler.SignupPage)

		// 認証操作（認証専用レート制限を追加）
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post(site.Paths.Login, authHandler.Login)
			r.Post("/signup", authHandler.Signup)
			r.Post("/logout", authHandler.Logout)
		})

		r.Route("/api", func(r chi.Router) {
			r.Get("/session", api.Session)
			r.Get("/check-username", api.CheckUsername)
			r.Get("/check-shopname", api.CheckShopName)
			r.Post("/check-cancel", api.CancelCheck)
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		})

		// --- RouteGuardで保護されたルート ---
		r.Group(func(r chi.Router) {
			r.Use(routeGuard.Middleware)
			r.Get(site.Paths.Dashboard, portal.Dashboard)
			r.Post("/session/refresh", portal.Refresh)
			r.Get("/shops/{shopName}/open", portal.OpenShop)
			r.Get("/shop/{shopName}", portal.ShopView)
		})
	})

	return r
}

// stateSource はリクエストの訪問者のSessionStoreを返す。
func stateSource(r *http.Request) guard.StateSource {
	core, err := middleware.VisitorFromContext(r.Context())
	if err != nil {
		return nil
	}
	return core.Store
}
