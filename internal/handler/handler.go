// Package handler はHTTPハンドラーを提供する。
//
// ハンドラーは訪問者ミドルウェアが注入したセッションコアを通じて
// AuthControllerを呼び出し、Navigatorが記録した遷移をリダイレクトとして返す。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/model"
	"github.com/hitoshi/shopportal/internal/tenant"
	"github.com/hitoshi/shopportal/internal/visitor"
)

// VisitorRegistry はハンドラーが必要とする訪問者レジストリの操作。
type VisitorRegistry interface {
	middleware.VisitorResolver
	// Persist は認証操作の後に資格情報を保存する。
	Persist(ctx context.Context, core *visitor.Core) error
}

var _ VisitorRegistry = (*visitor.Registry)(nil)

// TenantObserver はテナントアクセス判定を受け取る。
type TenantObserver interface {
	RecordTenantDecision(decision string)
}

// coreFrom はリクエストの訪問者コアを取り出す。取り出せない場合は500を書き込みfalseを返す。
func coreFrom(w http.ResponseWriter, r *http.Request) (*visitor.Core, bool) {
	core, err := middleware.VisitorFromContext(r.Context())
	if err != nil {
		slog.Error("visitor core missing",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return core, true
}

// persist は資格情報を保存する。失敗してもリクエストは継続する。
func persist(ctx context.Context, registry VisitorRegistry, core *visitor.Core) {
	if err := registry.Persist(ctx, core); err != nil {
		slog.Warn("failed to persist visitor credentials",
			slog.String("visitor_id", core.ID),
			slog.String("error", err.Error()),
		)
	}
}

// initialCheckWait は認証操作の前に初回のプロフィール確認を待つ上限。
const initialCheckWait = 3 * time.Second

// awaitInitialCheck は初回のプロフィール確認が確定するまで待つ。
// 確認より先に操作が番号を取ると、後から始まった確認がその操作の応答を破棄してしまう。
func awaitInitialCheck(r *http.Request, core *visitor.Core) {
	timer := time.NewTimer(initialCheckWait)
	defer timer.Stop()
	select {
	case <-core.Store.Resolved():
	case <-timer.C:
	case <-r.Context().Done():
	}
}

// statusOf はエラーに対応するHTTPステータスコードを返す。
func statusOf(err error) int {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return middleware.StatusForCategory(apiErr)
	}
	return http.StatusInternalServerError
}

func onTenantHost(r *http.Request) bool {
	_, ok := tenant.FromContext(r.Context())
	return ok
}
