// Package model はドメインモデルを定義する。
package model

import "time"

// Challenge はフィードから取得したお題（チャレンジ）を表す。
// フィードソースが生成した後は変更しない。
type Challenge struct {
	ID        string // フィード上の安定した識別子（GUIDまたはリンク）
	Title     string
	Body      string // プレーンテキスト本文
	BodyHTML  string // サニタイズ済みHTML本文（空の場合あり）
	URL       string
	CreatedAt time.Time // フィード側の作成日時。配信順序と新しさの判定に使う
}

// Message はチャットルームに送信するメッセージを表す。
// Bodyはプレーンテキスト、FormattedBodyはHTML（空の場合はプレーンテキストのみ送信）。
type Message struct {
	Body          string
	FormattedBody string
}

// TextMessage はプレーンテキストのみのMessageを生成する。
func TextMessage(body string) Message {
	return Message{Body: body}
}
