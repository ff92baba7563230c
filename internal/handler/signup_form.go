package handler

import (
	"strings"
	"unicode"

	"github.com/hitoshi/shopportal/internal/model"
)

const (
	minPasswordLength = 8
	passwordSymbols   = "!@#$%^&*"
	// maxShopRows はフォームに表示するショップ入力欄の上限。
	maxShopRows = 10
)

// validateSignupFields はユーザー名とパスワードの入力規則を検証し、フィールドごとのエラーを返す。
// ショップ名の検証はAuthControllerが行う。
func validateSignupFields(username, password string) map[string]string {
	errs := make(map[string]string)
	if strings.TrimSpace(username) == "" {
		errs["username"] = "Username is required."
	}
	if msg := passwordProblem(password); msg != "" {
		errs["password"] = msg
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// passwordProblem はパスワードが8文字以上で英字・数字・記号(!@#$%^&*)を含むかを検証する。
func passwordProblem(password string) string {
	if len([]rune(password)) < minPasswordLength {
		return "Password must be at least 8 characters."
	}
	var letter, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSymbols, r):
			symbol = true
		}
	}
	if !letter || !digit || !symbol {
		return "Password must contain a letter, a number and one of !@#$%^&*."
	}
	return ""
}

// shopRows はフォームに表示するショップ入力欄を返す。最低でもMinShops行を確保する。
func shopRows(names []string, extra int) []string {
	rows := append([]string(nil), names...)
	for len(rows) < model.MinShops {
		rows = append(rows, "")
	}
	for i := 0; i < extra && len(rows) < maxShopRows; i++ {
		rows = append(rows, "")
	}
	return rows
}
