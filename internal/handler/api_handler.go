package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/shopportal/internal/availability"
	"github.com/hitoshi/shopportal/internal/middleware"
	"github.com/hitoshi/shopportal/internal/model"
)

// APIHandler はセッションのスナップショットと入力中の使用可否確認のJSONハンドラー。
type APIHandler struct{}

// NewAPIHandler はAPIHandlerを生成する。
func NewAPIHandler() *APIHandler {
	return &APIHandler{}
}

// Session は現在のセッション状態を返す。
// GET /api/session
func (h *APIHandler) Session(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, core.Store.Get())
}

// CheckUsername はユーザー名の使用可否を確認する。
// 同じfieldへの後続の確認が始まった場合はstatus=supersededを返す。
// GET /api/check-username?field=username&value=xxx
func (h *APIHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	field := fieldOr(q.Get("field"), "username")

	res, err := core.Checker.CheckUsername(r.Context(), field, q.Get("value"))
	writeCheckResult(w, r, res, err)
}

// CheckShopName はショップ名の使用可否を確認する。
// otherには同じフォーム内の他のショップ名を複数指定でき、重複はバックエンドに問い合わせず判定する。
// GET /api/check-shopname?field=shop-0&value=xxx&other=yyy&other=zzz
func (h *APIHandler) CheckShopName(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	field := fieldOr(q.Get("field"), "shopName")

	res, err := core.Checker.CheckShopName(r.Context(), field, q.Get("value"), q["other"])
	writeCheckResult(w, r, res, err)
}

// CancelCheck は入力欄が破棄されたときに、そのfieldの確認を取り消す。
// POST /api/check-cancel?field=shop-2
func (h *APIHandler) CancelCheck(w http.ResponseWriter, r *http.Request) {
	core, ok := coreFrom(w, r)
	if !ok {
		return
	}
	field := strings.TrimSpace(r.URL.Query().Get("field"))
	if field == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("field is required"))
		return
	}
	core.Checker.Cancel(field)
	w.WriteHeader(http.StatusNoContent)
}

// Health はヘルスチェック用のエンドポイント。
// GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func fieldOr(field, fallback string) string {
	field = strings.TrimSpace(field)
	if field == "" {
		return fallback
	}
	return field
}

func writeCheckResult(w http.ResponseWriter, r *http.Request, res availability.Result, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, availability.ErrClosed):
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     "CHECKER_CLOSED",
			Message:  "Availability checks are not available right now.",
			Category: model.CategorySystem,
			Action:   "Reload the page and try again.",
		})
	default:
		// 呼び出し元が切断した場合。応答は届かない
		slog.Debug("availability check aborted",
			slog.String("field", res.Field),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
