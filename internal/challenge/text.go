package challenge

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements は前後で段落を区切る要素。
var blockElements = map[string]bool{
	"p": true, "div": true, "blockquote": true, "pre": true,
	"ul": true, "ol": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// HTMLToText はHTML断片をチャット向けのプレーンテキストに変換する。
// 段落は空行で区切り、リスト項目は "- " で始まる行にする。
// 文字参照はデコードされ、連続する空白は1つにまとめられる。
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0 // script/style内のテキストは捨てる

	for {
		switch z.Next() {
		case html.ErrorToken:
			return normalizeText(b.String())

		case html.TextToken:
			if skip > 0 {
				continue
			}
			b.WriteString(strings.Map(func(r rune) rune {
				if r == '\n' || r == '\r' || r == '\t' {
					return ' '
				}
				return r
			}, string(z.Text())))

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "script" || tag == "style":
				skip++
			case tag == "br":
				b.WriteString("\n")
			case tag == "li":
				b.WriteString("\n- ")
			case blockElements[tag]:
				b.WriteString("\n\n")
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "script" || tag == "style":
				if skip > 0 {
					skip--
				}
			case blockElements[tag]:
				b.WriteString("\n\n")
			}
		}
	}
}

// normalizeText は行ごとに空白をまとめ、連続する空行を1つに詰める。
func normalizeText(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
