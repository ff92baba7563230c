package repository

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/hitoshi/shopportal/internal/model"
)

// MemoryVisitorRepo はプロセス内メモリを使用した訪問者リポジトリ。
// 単一インスタンス構成と開発用。
type MemoryVisitorRepo struct {
	mu       sync.RWMutex
	visitors map[string]model.Visitor
	now      func() time.Time
}

// NewMemoryVisitorRepo はMemoryVisitorRepoを生成する。
func NewMemoryVisitorRepo() *MemoryVisitorRepo {
	return &MemoryVisitorRepo{
		visitors: make(map[string]model.Visitor),
		now:      time.Now,
	}
}

// Save は訪問者を作成または更新する。
func (r *MemoryVisitorRepo) Save(_ context.Context, visitor *model.Visitor) error {
	v := *visitor
	v.Credentials = maps.Clone(visitor.Credentials)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visitors[v.ID] = v
	return nil
}

// FindByID は指定IDの訪問者を取得する。期限切れの場合はnilを返す。
func (r *MemoryVisitorRepo) FindByID(_ context.Context, id string) (*model.Visitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visitors[id]
	if !ok || !v.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	v.Credentials = maps.Clone(v.Credentials)
	return &v, nil
}

// DeleteByID は指定IDの訪問者を削除する。
func (r *MemoryVisitorRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.visitors, id)
	return nil
}

// DeleteExpired は期限切れの訪問者を削除する。
func (r *MemoryVisitorRepo) DeleteExpired(_ context.Context) (int64, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, v := range r.visitors {
		if !v.ExpiresAt.After(now) {
			delete(r.visitors, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ VisitorRepository = (*MemoryVisitorRepo)(nil)
