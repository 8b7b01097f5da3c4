package model

import "time"

// RoomState はルームごとの配信カーソルを表す。
// ルーム参加時にnullフィールドのまま作成され、キック/BANで削除される。
type RoomState struct {
	RoomID                   string
	LastDeliveredChallengeID *string
	// LastDeliveredAt はローカル時計での最終配信日時。配信間隔ゲートに使う。
	LastDeliveredAt *time.Time
	// LastChallengeCreatedAt は最後に配信したお題のフィード側作成日時。
	// 新しいお題かどうかの判定に使い、配信ごとに単調非減少となる。
	LastChallengeCreatedAt *time.Time
}

// NeverDelivered はまだ一度も配信していないルームかを返す。
func (s *RoomState) NeverDelivered() bool {
	return s.LastDeliveredAt == nil && s.LastDeliveredChallengeID == nil
}
