package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/shopportal/internal/model"
)

// PostgresVisitorRepo はPostgreSQLを使用した訪問者リポジトリ。
type PostgresVisitorRepo struct {
	db *sql.DB
}

// NewPostgresVisitorRepo はPostgresVisitorRepoを生成する。
func NewPostgresVisitorRepo(db *sql.DB) *PostgresVisitorRepo {
	return &PostgresVisitorRepo{db: db}
}

// Save は訪問者を作成または更新する。
func (r *PostgresVisitorRepo) Save(ctx context.Context, visitor *model.Visitor) error {
	creds, err := json.Marshal(visitor.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode visitor credentials: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO visitors (id, credentials, last_seen_at, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   credentials = EXCLUDED.credentials,
		   last_seen_at = EXCLUDED.last_seen_at,
		   expires_at = EXCLUDED.expires_at`,
		visitor.ID, creds, visitor.LastSeenAt, visitor.ExpiresAt, visitor.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save visitor: %w", err)
	}
	return nil
}

// FindByID は指定IDの訪問者を取得する。期限切れの場合はnilを返す。
func (r *PostgresVisitorRepo) FindByID(ctx context.Context, id string) (*model.Visitor, error) {
	visitor := &model.Visitor{}
	var creds []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, credentials, last_seen_at, expires_at, created_at
		 FROM visitors
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&visitor.ID, &creds, &visitor.LastSeenAt, &visitor.ExpiresAt, &visitor.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find visitor: %w", err)
	}

	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &visitor.Credentials); err != nil {
			return nil, fmt.Errorf("failed to decode visitor credentials: %w", err)
		}
	}
	return visitor, nil
}

// DeleteByID は指定IDの訪問者を削除する。
func (r *PostgresVisitorRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM visitors WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete visitor: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れの訪問者を削除する。
func (r *PostgresVisitorRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM visitors WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired visitors: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted visitors: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ VisitorRepository = (*PostgresVisitorRepo)(nil)
