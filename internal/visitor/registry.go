// Package visitor は訪問者ごとのセッションコア（ゲートウェイ・Store・Controller・Checker）を管理する。
//
// ブラウザは不透明な訪問者ID（Cookie）のみを保持し、バックエンドの資格情報は
// 訪問者ごとのゲートウェイに保持する。資格情報はVisitorRepositoryに永続化され、
// プロセス再起動や別インスタンスでも復元される。
package visitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/shopportal/internal/availability"
	"github.com/hitoshi/shopportal/internal/gateway"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/navigator"
	"github.com/hitoshi/shopportal/internal/repository"
	"github.com/hitoshi/shopportal/internal/session"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Core は1訪問者分のセッションコア。
type Core struct {
	ID         string
	Gateway    *gateway.Client
	Store      *session.Store
	Controller *session.Controller
	Checker    *availability.Checker

	createdAt time.Time
	lastSeen  atomic.Int64
}

// Touch は最終アクセス時刻を更新する。
func (c *Core) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen は最終アクセス時刻を返す。
func (c *Core) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ActiveGauge は保持中の訪問者数を受け取る。
type ActiveGauge interface {
	SetActiveVisitors(n int)
}

// Config はRegistryの設定。
type Config struct {
	BackendURL string
	// Transport は全訪問者で共有するRoundTripper。
	Transport      http.RoundTripper
	GatewayTimeout time.Duration
	// MaxAge は訪問者レコードの有効期間。アクセスのたびに延長される。
	MaxAge time.Duration

	CheckDebounce time.Duration
	CheckRate     rate.Limit
	CheckBurst    int

	Paths     session.Paths
	Sanitizer session.MessageSanitizer
	Observer  session.Observer
	Gauge     ActiveGauge
	Logger    *slog.Logger
}

// Registry は訪問者IDからCoreを解決する。
type Registry struct {
	repo   repository.VisitorRepository
	nav    navigator.Navigator
	config Config
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cores map[string]*Core
}

// NewRegistry はRegistryを生成する。
func NewRegistry(repo repository.VisitorRepository, nav navigator.Navigator, cfg Config) *Registry {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.CheckBurst <= 0 {
		cfg.CheckBurst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:   repo,
		nav:    nav,
		config: cfg,
		logger: logger,
		now:    time.Now,
		cores:  make(map[string]*Core),
	}
}

// Resolve は訪問者IDに対応するCoreを返す。
// IDが空・不正・未知の場合は新しい訪問者を作成し、createdにtrueを返す。
func (r *Registry) Resolve(ctx context.Context, id string) (core *Core, created bool, err error) {
	if _, perr := uuid.Parse(id); perr == nil {
		core, err = r.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if core != nil {
			core.Touch(r.now())
			return core, false, nil
		}
	}

	now := r.now()
	v := &model.Visitor{
		ID:         uuid.NewString(),
		LastSeenAt: now,
		ExpiresAt:  now.Add(r.config.MaxAge),
		CreatedAt:  now,
	}
	core, err = r.build(v)
	if err != nil {
		return nil, false, err
	}
	r.logger.Debug("visitor created", slog.String("visitor_id", v.ID))
	return core, true, nil
}

// load はキャッシュまたはリポジトリからCoreを取得する。見つからなければnilを返す。
// 同一IDの同時読み込みは1回にまとめる。
func (r *Registry) load(ctx context.Context, id string) (*Core, error) {
	if core := r.cached(id); core != nil {
		return core, nil
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		if core := r.cached(id); core != nil {
			return core, nil
		}
		visitor, err := r.repo.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load visitor: %w", err)
		}
		if visitor == nil {
			return (*Core)(nil), nil
		}
		return r.build(visitor)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Core), nil
}

func (r *Registry) cached(id string) *Core {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cores[id]
}

// build はCoreを組み立ててキャッシュに登録し、初回のプロフィール確認を開始する。
// 資格情報のない訪問者はバックエンドに問い合わせずanonymousで確定する。
func (r *Registry) build(v *model.Visitor) (*Core, error) {
	client, err := gateway.NewClient(gateway.Options{
		BaseURL:   r.config.BackendURL,
		Transport: r.config.Transport,
		Timeout:   r.config.GatewayTimeout,
		Logger:    r.logger.With(slog.String("visitor_id", v.ID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}
	client.RestoreCredentials(v.Credentials)

	logger := r.logger.With(slog.String("visitor_id", v.ID))
	store := session.NewStore(client, logger)
	ctrl := session.NewController(store, client, r.nav, session.ControllerConfig{
		Paths:     r.config.Paths,
		Sanitizer: r.config.Sanitizer,
		Observer:  r.config.Observer,
		Logger:    logger,
	})

	var limiter *rate.Limiter
	if r.config.CheckRate > 0 {
		limiter = rate.NewLimiter(r.config.CheckRate, r.config.CheckBurst)
	}
	checker := availability.NewChecker(client, availability.Config{
		Debounce: r.config.CheckDebounce,
		Limiter:  limiter,
		Logger:   logger,
	})

	core := &Core{
		ID:         v.ID,
		Gateway:    client,
		Store:      store,
		Controller: ctrl,
		Checker:    checker,
		createdAt:  v.CreatedAt,
	}
	core.Touch(r.now())

	r.mu.Lock()
	r.cores[v.ID] = core
	n := len(r.cores)
	r.mu.Unlock()
	r.reportActive(n)

	if len(v.Credentials) == 0 {
		store.InitializeAnonymous()
	} else {
		go r.initialize(core)
	}
	return core, nil
}

func (r *Registry) initialize(core *Core) {
	timeout := r.config.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	core.Store.Initialize(ctx)
}

// Persist は訪問者の現在の資格情報を保存し、有効期限を延長する。
// 認証状態を変える操作の後に呼ぶ。資格情報が残っていなければ保存済みのレコードを削除する。
func (r *Registry) Persist(ctx context.Context, core *Core) error {
	creds := core.Gateway.Credentials()
	if len(creds) == 0 {
		if err := r.repo.DeleteByID(ctx, core.ID); err != nil {
			return fmt.Errorf("failed to delete visitor: %w", err)
		}
		return nil
	}

	now := r.now()
	createdAt := core.createdAt
	if createdAt.IsZero() {
		createdAt = now
	}
	err := r.repo.Save(ctx, &model.Visitor{
		ID:          core.ID,
		Credentials: creds,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(r.config.MaxAge),
		CreatedAt:   createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to persist visitor: %w", err)
	}
	return nil
}

// EvictIdle はidle以上アクセスのないCoreをメモリから解放し、解放数を返す。
// 永続化済みの資格情報は残るため、次のアクセスで復元される。
func (r *Registry) EvictIdle(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var stale []*Core
	for id, core := range r.cores {
		if core.LastSeen().Before(cutoff) {
			stale = append(stale, core)
			delete(r.cores, id)
		}
	}
	n := len(r.cores)
	r.mu.Unlock()

	for _, core := range stale {
		core.Checker.Close()
	}
	r.reportActive(n)
	return len(stale)
}

// Len は保持中のCore数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cores)
}

func (r *Registry) reportActive(n int) {
	if r.config.Gauge != nil {
		r.config.Gauge.SetActiveVisitors(n)
	}
}
