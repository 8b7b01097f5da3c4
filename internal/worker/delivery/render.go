package delivery

import (
	"html"
	"strings"

	"github.com/hitoshi/challengebot/internal/model"
)

const linkText = "Link to original post"

// RenderChallenge はお題をルームに投稿するメッセージに変換する。
// Bodyはマークダウン風のプレーンテキスト、FormattedBodyはHTML。
// 本文やURLが空の場合はその部分を省く。
func RenderChallenge(heading string, c model.Challenge) model.Message {
	plain := []string{"**" + heading + "**", "*" + c.Title + "*"}
	formatted := []string{
		"<p><strong>" + html.EscapeString(heading) + "</strong></p>",
		"<p><em>" + html.EscapeString(c.Title) + "</em></p>",
	}

	if c.Body != "" {
		plain = append(plain, c.Body)
		if c.BodyHTML != "" {
			formatted = append(formatted, c.BodyHTML)
		} else {
			formatted = append(formatted, "<p>"+strings.ReplaceAll(html.EscapeString(c.Body), "\n", "<br>")+"</p>")
		}
	}

	if c.URL != "" {
		plain = append(plain, "["+linkText+"]("+c.URL+")")
		formatted = append(formatted, `<p><a href="`+html.EscapeString(c.URL)+`">`+linkText+"</a></p>")
	}

	return model.Message{
		Body:          strings.Join(plain, "\n\n"),
		FormattedBody: strings.Join(formatted, "\n"),
	}
}
