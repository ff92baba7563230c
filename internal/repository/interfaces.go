// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/shopportal/internal/model"
)

// VisitorRepository は訪問者とバックエンド資格情報の永続化インターフェース。
type VisitorRepository interface {
	// Save は訪問者を作成または更新する。
	Save(ctx context.Context, visitor *model.Visitor) error
	// FindByID は指定IDの訪問者を取得する。見つからない場合・期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Visitor, error)
	// DeleteByID は指定IDの訪問者を削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れの訪問者を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
