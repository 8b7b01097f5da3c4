package matrix

import (
	"encoding/json"
	"fmt"
)

// メンバーシップの値
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// イベント種別
const (
	EventRoomMember  = "m.room.member"
	EventRoomMessage = "m.room.message"
)

// Error はホームサーバーが返したエラーレスポンスを表す。
type Error struct {
	StatusCode int    `json:"-"`
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
}

// SyncResponse は /sync のレスポンスのうちボットが使う部分。
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     Rooms  `json:"rooms"`
}

// Rooms はメンバーシップ別のルーム一覧。
type Rooms struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// JoinedRoom は参加中ルームの差分。
type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

// LeftRoom は退出（キック/BANを含む）したルームの差分。
type LeftRoom struct {
	Timeline Timeline `json:"timeline"`
}

// InvitedRoom は招待されたルームの簡略化された状態。
type InvitedRoom struct {
	InviteState struct {
		Events []Event `json:"events"`
	} `json:"invite_state"`
}

// Timeline はルームのタイムラインイベント。
type Timeline struct {
	Events []Event `json:"events"`
}

// Event はルームイベント。
// 招待の簡略化状態イベントにはEventIDとOriginServerTSが含まれない。
type Event struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// MemberContent は m.room.member イベントの内容。
type MemberContent struct {
	Membership string `json:"membership"`
	Reason     string `json:"reason,omitempty"`
}

// MessageContent は m.room.message イベントの内容。
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// IsStateFor はイベントが指定ユーザーを対象とする状態イベントかを返す。
func (e *Event) IsStateFor(userID string) bool {
	return e.StateKey != nil && *e.StateKey == userID
}

// Membership は m.room.member イベントのmembershipを返す。
// 他の種別や内容が壊れている場合は空文字列を返す。
func (e *Event) Membership() string {
	if e.Type != EventRoomMember {
		return ""
	}
	var c MemberContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return ""
	}
	return c.Membership
}

// Message は m.room.message イベントの内容を返す。
func (e *Event) Message() (MessageContent, bool) {
	if e.Type != EventRoomMessage {
		return MessageContent{}, false
	}
	var c MessageContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return MessageContent{}, false
	}
	return c, true
}
