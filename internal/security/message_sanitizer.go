package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageRunes はバックエンド由来メッセージとして保持する最大文字数。
const maxMessageRunes = 300

// MessageSanitizer はバックエンドが返すエラーメッセージをプレーンテキストに整える。
// セッション状態のerrorに格納する前に適用する。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はStrictPolicy（全タグ除去）のMessageSanitizerを生成する。
func NewMessageSanitizer() *MessageSanitizer {
	return &MessageSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text はタグを除去し、空白を詰め、長すぎる場合は切り詰めたテキストを返す。
// 結果はエスケープされていないプレーンテキストで、描画時にテンプレートがエスケープする。
func (s *MessageSanitizer) Text(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	text := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(text) > maxMessageRunes {
		runes := []rune(text)
		text = string(runes[:maxMessageRunes]) + "…"
	}
	return text
}
