package delivery

import (
	"time"

	"github.com/hitoshi/challengebot/internal/model"
)

// Gated は前回配信から配信間隔が経過していない場合にtrueを返す。
func Gated(state *model.RoomState, now time.Time, interval time.Duration) bool {
	return state.LastDeliveredAt != nil && now.Sub(*state.LastDeliveredAt) < interval
}

// SelectCandidate は昇順のお題一覧から次に配信するお題を1件選ぶ。
// 該当がない場合はnilを返す。
//
// 比較はエポック秒の精度で行う。ストアは秒単位で記録するため、
// 秒未満を含む作成日時で同じお題が再び「新しい」と判定されないようにする。
func SelectCandidate(state *model.RoomState, items []model.Challenge) *model.Challenge {
	if len(items) == 0 {
		return nil
	}

	switch {
	case state.LastChallengeCreatedAt != nil:
		cursor := state.LastChallengeCreatedAt.Unix()
		for i := range items {
			if items[i].CreatedAt.Unix() > cursor {
				return &items[i]
			}
		}
		return nil

	case state.NeverDelivered():
		return &items[0]

	default:
		// 作成日時を補完できなかった配信済みの行。
		// 最後に配信したIDがフィードにあれば、それより後ろから選ぶ。
		start := 0
		if id := state.LastDeliveredChallengeID; id != nil {
			for i := range items {
				if items[i].ID == *id {
					start = i + 1
					break
				}
			}
		}
		if start < len(items) {
			return &items[start]
		}
		return nil
	}
}
