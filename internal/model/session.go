// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Session は認証済みの利用者を表す。
// Shopsは所有するテナント名の並びで、大文字小文字を区別せず一意。
type Session struct {
	Username string   `json:"username"`
	Shops    []string `json:"shops"`
}

// UnmarshalJSON はshopsの別名shopNamesも受け付ける。
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string   `json:"id"`
		Username  string   `json:"username"`
		Shops     []string `json:"shops"`
		ShopNames []string `json:"shopNames"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	if s.Username == "" {
		s.Username = raw.ID
	}
	s.Shops = raw.Shops
	if len(s.Shops) == 0 {
		s.Shops = raw.ShopNames
	}
	return nil
}

// Clone は外部から変更できないコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	return &Session{
		Username: s.Username,
		Shops:    slices.Clone(s.Shops),
	}
}

// Status はセッション状態機械の状態。
type Status string

const (
	StatusChecking      Status = "checking"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// SessionState はSessionStoreが保持するスナップショット。
// SessionはStatusがauthenticatedの場合のみ非nil。
type SessionState struct {
	Status  Status   `json:"status"`
	Session *Session `json:"session,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Authenticated は認証済みかどうかを返す。
func (s SessionState) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Session != nil
}

// Clone はSessionを複製したスナップショットを返す。
func (s SessionState) Clone() SessionState {
	s.Session = s.Session.Clone()
	return s
}

// TenantDecision はテナントごとの認可判定結果。永続化しない。
type TenantDecision string

const (
	TenantPending TenantDecision = "pending"
	TenantAllowed TenantDecision = "allowed"
	TenantDenied  TenantDecision = "denied"
)

// MinShops はサインアップ時に必要なショップ数の下限。
const MinShops = 3

// NormalizeShopName はショップ名を比較用に正規化する（前後空白除去・小文字化）。
func NormalizeShopName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeShopNames はサインアップ用のショップ名一覧を整える。
// 前後空白を除去し空要素を捨てた上で、3件以上かつ大文字小文字を区別せず一意であることを検証する。
// 返す一覧は入力の表記（trim済み）を保つ。
func NormalizeShopNames(names []string) ([]string, error) {
	cleaned := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	duplicate := false
	for _, n := range names {
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			continue
		}
		key := NormalizeShopName(trimmed)
		if _, ok := seen[key]; ok {
			duplicate = true
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}

	if duplicate {
		return nil, NewValidationError("Shop names must be unique.")
	}
	if len(cleaned) < MinShops {
		return nil, NewValidationError("Please enter at least 3 unique shop names.")
	}
	return cleaned, nil
}

// Visitor はポータル訪問者とバックエンド資格情報の対応を表す。
// Credentialsはバックエンドが発行したCookie（name=value）をそのまま保持する。
type Visitor struct {
	ID          string
	Credentials map[string]string
	LastSeenAt  time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
