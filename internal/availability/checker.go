// Package availability はユーザー名・ショップ名の使用可否確認を提供する。
//
// 確認はフィールド単位でデバウンスされ、同じフィールドに新しい値が来ると
// 以前の待機中・通信中の確認は取り消される。結果は参考情報であり、
// 最終的な判断は常にサインアップ時のバックエンドが行う。
package availability

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/shopportal/internal/model"
	"golang.org/x/time/rate"
)

// Status は確認結果の種類。
type Status string

const (
	StatusAvailable  Status = "available"
	StatusTaken      Status = "taken"
	StatusRequired   Status = "required"
	StatusDuplicate  Status = "duplicate"
	StatusUnknown    Status = "unknown"
	StatusSuperseded Status = "superseded"
)

// Result は1回の確認結果。
type Result struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Lookup は使用状況を問い合わせるゲートウェイの部分集合。
type Lookup interface {
	CheckUsername(ctx context.Context, username string) (bool, error)
	CheckShopName(ctx context.Context, name string) (bool, error)
}

// Config はCheckerの設定。
type Config struct {
	// Debounce は同一フィールドの入力が落ち着くまで待つ時間。
	Debounce time.Duration
	// Limiter はバックエンドへの問い合わせ頻度を制限する。nilの場合は無制限。
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// ErrClosed はClose後に確認を要求した場合のエラー。
var ErrClosed = errors.New("availability checker closed")

type inflight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Checker はフィールドごとの確認を管理する。1訪問者につき1インスタンス。
// Controllerの操作とは独立して動作する。
type Checker struct {
	lookup   Lookup
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	gen    uint64
	fields map[string]inflight
	closed bool
}

// NewChecker はCheckerを生成する。
func NewChecker(lookup Lookup, cfg Config) *Checker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		lookup:   lookup,
		debounce: cfg.Debounce,
		limiter:  cfg.Limiter,
		logger:   logger,
		fields:   make(map[string]inflight),
	}
}

// CheckUsername はユーザー名の使用可否を確認する。
// 同じfieldに対する後続の確認が始まった場合はStatusSupersededを返す。
func (c *Checker) CheckUsername(ctx context.Context, field, value string) (Result, error) {
	res := Result{Field: field, Value: value}
	if strings.TrimSpace(value) == "" {
		c.Cancel(field)
		return res.with(StatusRequired), nil
	}
	return c.run(ctx, res, func(ctx context.Context) (bool, error) {
		return c.lookup.CheckUsername(ctx, value)
	})
}

// CheckShopName はショップ名の使用可否を確認する。
// othersは同じフォーム内の他のショップ名で、重複はバックエンドに問い合わせず判定する。
func (c *Checker) CheckShopName(ctx context.Context, field, value string, others []string) (Result, error) {
	res := Result{Field: field, Value: value}
	name := model.NormalizeShopName(value)
	if name == "" {
		c.Cancel(field)
		return res.with(StatusRequired), nil
	}
	for _, o := range others {
		if model.NormalizeShopName(o) == name {
			c.Cancel(field)
			return res.with(StatusDuplicate), nil
		}
	}
	return c.run(ctx, res, func(ctx context.Context) (bool, error) {
		return c.lookup.CheckShopName(ctx, name)
	})
}

// Cancel はfieldの待機中・通信中の確認を取り消す。フィールドが破棄されたときに呼ぶ。
func (c *Checker) Cancel(field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.fields[field]; ok {
		f.cancel()
		delete(c.fields, field)
	}
}

// Close はすべての確認を取り消し、以後の確認を拒否する。
func (c *Checker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for field, f := range c.fields {
		f.cancel()
		delete(c.fields, field)
	}
}

// run はデバウンス・流量制限を経てqueryを実行し、最新の確認であれば結果を返す。
func (c *Checker) run(ctx context.Context, res Result, query func(ctx context.Context) (bool, error)) (Result, error) {
	ctx, gen, err := c.start(ctx, res.Field)
	if err != nil {
		return res, err
	}
	defer c.finish(res.Field, gen)

	if c.debounce > 0 {
		timer := time.NewTimer(c.debounce)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return c.stopped(ctx, res, gen)
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.stopped(ctx, res, gen)
		}
	}

	exists, err := query(ctx)
	if !c.latest(res.Field, gen) {
		return res.with(StatusSuperseded), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return c.stopped(ctx, res, gen)
		}
		c.logger.Warn("availability check failed",
			slog.String("field", res.Field),
			slog.String("error", err.Error()),
		)
		return res.with(StatusUnknown), nil
	}
	if exists {
		return res.with(StatusTaken), nil
	}
	return res.with(StatusAvailable), nil
}

// start はfieldの確認を登録し、以前の確認を取り消す。
func (c *Checker) start(parent context.Context, field string) (context.Context, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, ErrClosed
	}
	if prev, ok := c.fields[field]; ok {
		prev.cancel()
	}
	c.gen++
	ctx, cancel := context.WithCancel(parent)
	c.fields[field] = inflight{gen: c.gen, cancel: cancel}
	return ctx, c.gen, nil
}

func (c *Checker) finish(field string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.fields[field]; ok && f.gen == gen {
		f.cancel()
		delete(c.fields, field)
	}
}

func (c *Checker) latest(field string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fields[field]
	return ok && f.gen == gen
}

// stopped は中断された確認の結果を返す。
// 後続の確認やCancelによる中断はStatusSuperseded、呼び出し元の中断はctxのエラー。
func (c *Checker) stopped(ctx context.Context, res Result, gen uint64) (Result, error) {
	if !c.latest(res.Field, gen) {
		return res.with(StatusSuperseded), nil
	}
	return res.with(StatusUnknown), ctx.Err()
}

func (r Result) with(s Status) Result {
	r.Status = s
	r.Message = messages[s]
	return r
}

var messages = map[Status]string{
	StatusAvailable: "Available",
	StatusTaken:     "Already taken",
	StatusRequired:  "This field is required",
	StatusDuplicate: "Shop name must be unique",
	StatusUnknown:   "Could not check availability",
}
