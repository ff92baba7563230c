// Package navigator は画面遷移を抽象化する。
// 業務ロジックはNavigatorを通じて遷移を要求し、実際のリダイレクトは
// HTTPハンドラーが応答時に行う。
package navigator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// Kind は遷移の種類。
type Kind string

const (
	// KindInternal はアプリ内のパス遷移。
	KindInternal Kind = "internal"
	// KindExternal はテナントのサブドメインなど別オリジンへの遷移。
	KindExternal Kind = "external"
)

// Navigation は要求された1回の遷移。
type Navigation struct {
	Kind   Kind
	Target string
}

// Navigator は画面遷移の契約。
type Navigator interface {
	// GoTo はアプリ内のパスへ遷移する。
	GoTo(ctx context.Context, path string)
	// RedirectExternal は別オリジンのURLへ遷移する。
	RedirectExternal(ctx context.Context, url string)
}

type pendingKey struct{}

// Pending はリクエスト処理中に要求された遷移を保持する。
// 最後に要求された遷移が有効になる。
type Pending struct {
	mu  sync.Mutex
	nav *Navigation
}

// WithPending は遷移の受け皿をコンテキストに注入する。
func WithPending(ctx context.Context) (context.Context, *Pending) {
	p := &Pending{}
	return context.WithValue(ctx, pendingKey{}, p), p
}

func pendingFrom(ctx context.Context) *Pending {
	p, _ := ctx.Value(pendingKey{}).(*Pending)
	return p
}

func (p *Pending) set(nav Navigation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nav = &nav
}

// Take は保持している遷移を取り出す。
func (p *Pending) Take() (Navigation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nav == nil {
		return Navigation{}, false
	}
	nav := *p.nav
	p.nav = nil
	return nav, true
}

// HTTP はリクエストコンテキストの受け皿に遷移を記録するNavigator。
type HTTP struct {
	logger *slog.Logger
}

var _ Navigator = (*HTTP)(nil)

// NewHTTP はHTTPの新しいインスタンスを生成する。
func NewHTTP(logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{logger: logger}
}

// GoTo はアプリ内遷移を記録する。
func (n *HTTP) GoTo(ctx context.Context, path string) {
	n.record(ctx, Navigation{Kind: KindInternal, Target: path})
}

// RedirectExternal は別オリジンへの遷移を記録する。
func (n *HTTP) RedirectExternal(ctx context.Context, url string) {
	n.record(ctx, Navigation{Kind: KindExternal, Target: url})
}

func (n *HTTP) record(ctx context.Context, nav Navigation) {
	p := pendingFrom(ctx)
	if p == nil {
		// バックグラウンド処理からの遷移要求は表示先がないため捨てる
		n.logger.Debug("navigation dropped: no pending request",
			slog.String("kind", string(nav.Kind)),
			slog.String("target", nav.Target),
		)
		return
	}
	p.set(nav)
}

// Redirect は保持している遷移があれば303リダイレクトを書き込みtrueを返す。
func Redirect(w http.ResponseWriter, r *http.Request, p *Pending) bool {
	nav, ok := p.Take()
	if !ok {
		return false
	}
	http.Redirect(w, r, nav.Target, http.StatusSeeOther)
	return true
}

// Recorder は要求された遷移をすべて記録するNavigator。
// テストと診断用。
type Recorder struct {
	mu   sync.Mutex
	navs []Navigation
}

var _ Navigator = (*Recorder)(nil)

// GoTo はアプリ内遷移を記録する。
func (r *Recorder) GoTo(_ context.Context, path string) {
	r.add(Navigation{Kind: KindInternal, Target: path})
}

// RedirectExternal は別オリジンへの遷移を記録する。
func (r *Recorder) RedirectExternal(_ context.Context, url string) {
	r.add(Navigation{Kind: KindExternal, Target: url})
}

func (r *Recorder) add(nav Navigation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navs = append(r.navs, nav)
}

// Navigations は記録済みの遷移のコピーを返す。
func (r *Recorder) Navigations() []Navigation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Navigation, len(r.navs))
	copy(out, r.navs)
	return out
}
