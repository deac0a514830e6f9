// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxErrorLength は永続化するエラーメッセージの最大文字数。
const maxErrorLength = 500

// secretPatterns はエラーメッセージに紛れ込んだ認証情報を検出するパターン。
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|token)\s+[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)(access_token|api_key|apikey|secret|password)=[^&\s]+`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
}

// ErrorSanitizer は外部APIから返ったエラー文字列を保存・表示用に無害化する。
// HTMLは全て除去し、認証情報らしき文字列を伏字にして、長さを制限する。
type ErrorSanitizer struct {
	policy *bluemonday.Policy
}

// NewErrorSanitizer はErrorSanitizerを生成する。
func NewErrorSanitizer() *ErrorSanitizer {
	return &ErrorSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はエラーメッセージを無害化する。
func (s *ErrorSanitizer) Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	out := s.policy.Sanitize(msg)
	for _, p := range secretPatterns {
		out = p.ReplaceAllStringFunc(out, redact)
	}
	out = strings.Join(strings.Fields(out), " ")

	if utf8.RuneCountInString(out) > maxErrorLength {
		runes := []rune(out)
		out = string(runes[:maxErrorLength]) + "…"
	}
	return out
}

func redact(match string) string {
	if i := strings.IndexAny(match, "= "); i >= 0 {
		return match[:i+1] + "[REDACTED]"
	}
	return "[REDACTED]"
}
