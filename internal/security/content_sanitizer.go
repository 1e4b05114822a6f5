// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer は外部から取り込んだ文字列をbluemondayで無害化する。
// カタログの説明文には軽量なマークアップを残し、プロフィールの表示名は
// プレーンテキストに落とす。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数。
const MaxDisplayNameLength = 64

// ContentSanitizerService はテキスト無害化のインターフェース。
type ContentSanitizerService interface {
	// SanitizeDescription はゲーム説明文のHTMLを許可リストで無害化する。
	// 許可タグ: p, br, ul, ol, li, strong, em, a(href)。
	SanitizeDescription(rawHTML string) string

	// SanitizeDisplayName は表示名から全てのタグを取り除き、
	// 連続する空白を1つにまとめ、MaxDisplayNameLength文字に切り詰める。
	SanitizeDisplayName(name string) string
}

type contentSanitizer struct {
	description *bluemonday.Policy
	strict      *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		description: p,
		strict:      bluemonday.StrictPolicy(),
	}
}

// SanitizeDescription はゲーム説明文のHTMLを無害化する。
func (s *contentSanitizer) SanitizeDescription(rawHTML string) string {
	return s.description.Sanitize(rawHTML)
}

// SanitizeDisplayName は表示名をプレーンテキストに正規化する。
// StrictPolicyがエスケープした文字実体参照は元に戻す（JSONで返すため）。
func (s *contentSanitizer) SanitizeDisplayName(name string) string {
	cleaned := html.UnescapeString(s.strict.Sanitize(name))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > MaxDisplayNameLength {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return cleaned
}

var _ ContentSanitizerService = (*contentSanitizer)(nil)
