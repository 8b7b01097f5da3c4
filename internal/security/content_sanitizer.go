package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はお題本文のHTMLを、チャットのformatted_bodyで
// 表示できる安全なタグだけに絞り込む。
// bluemondayのPolicyはスレッドセーフなので、1インスタンスを共有してよい。
type ContentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, b, i, h1-h6。
// 画像はチャットクライアントでmxc URLしか表示されないため許可しない。
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i",
		"h1", "h2", "h3", "h4", "h5", "h6",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.RequireNoReferrerOnLinks(true)

	return &ContentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLをサニタイズする。空文字列には空文字列を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// StripTags はすべてのタグを除去したプレーンテキストを返す。タイトルなど1行のテキスト向け。
func (s *ContentSanitizer) StripTags(raw string) string {
	return html.UnescapeString(s.strict.Sanitize(raw))
}
