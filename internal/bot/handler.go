package bot

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/challengebot/internal/command"
	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/matrix"
	"github.com/hitoshi/challengebot/internal/model"
)

// Transport はハンドラが使うチャットサーバー操作のインターフェース。
type Transport interface {
	UserID() string
	JoinRoom(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, roomID string, msg model.Message) error
}

// RoomTracker は配信対象ルームの追加/削除のインターフェース。
// 配信処理とルーム単位で直列化された実装を渡す。
type RoomTracker interface {
	TrackRoom(ctx context.Context, roomID string) error
	UntrackRoom(ctx context.Context, roomID string) error
}

// Handler は同期レスポンスに含まれる招待・メンバーシップ変更・メッセージを処理する。
type Handler struct {
	transport      Transport
	rooms          RoomTracker
	commands       *command.Dispatcher
	seen           *SeenSet
	logger         *slog.Logger
	greeting       string
	joinAttempts   int
	joinRetryDelay time.Duration
	startTime      time.Time
	now            func() time.Time
}

// NewHandler はHandlerを生成する。
// 生成時刻より前に送信されたメッセージはコマンドとして扱わない。
func NewHandler(
	transport Transport,
	rooms RoomTracker,
	commands *command.Dispatcher,
	cfg config.MatrixConfig,
	greeting string,
	logger *slog.Logger,
) *Handler {
	attempts := cfg.JoinAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Handler{
		transport:      transport,
		rooms:          rooms,
		commands:       commands,
		seen:           NewSeenSet(DefaultSeenTTL),
		logger:         logger,
		greeting:       greeting,
		joinAttempts:   attempts,
		joinRetryDelay: cfg.JoinRetryDelay,
		startTime:      time.Now(),
		now:            time.Now,
	}
}

// HandleSync は1回分の同期レスポンスを処理する。
// 退出、招待、メッセージの順に処理する。
func (h *Handler) HandleSync(ctx context.Context, resp *matrix.SyncResponse) {
	for _, roomID := range sortedKeys(resp.Rooms.Leave) {
		h.handleLeftRoom(ctx, roomID, resp.Rooms.Leave[roomID])
	}
	for _, roomID := range sortedKeys(resp.Rooms.Invite) {
		h.handleInvite(ctx, roomID)
	}
	for _, roomID := range sortedKeys(resp.Rooms.Join) {
		h.handleJoinedRoom(ctx, roomID, resp.Rooms.Join[roomID])
	}
}

func inviteKey(roomID string) string {
	return roomID + ":invite"
}

// handleInvite は招待されたルームに参加し、配信対象に追加して挨拶する。
func (h *Handler) handleInvite(ctx context.Context, roomID string) {
	if h.seen.Seen(inviteKey(roomID), h.now()) {
		return
	}

	h.logger.Info("ルームに招待されました", slog.String("room_id", roomID))

	if !h.join(ctx, roomID) {
		return
	}

	if err := h.rooms.TrackRoom(ctx, roomID); err != nil {
		h.logger.Error("ルームの追跡開始に失敗しました",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
		return
	}

	if h.greeting == "" {
		return
	}
	if err := h.transport.SendMessage(ctx, roomID, model.TextMessage(h.greeting)); err != nil {
		h.logger.Error("挨拶メッセージの送信に失敗しました",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// join はjoinAttempts回まで参加を試みる。
func (h *Handler) join(ctx context.Context, roomID string) bool {
	for attempt := 1; attempt <= h.joinAttempts; attempt++ {
		err := h.transport.JoinRoom(ctx, roomID)
		if err == nil {
			h.logger.Info("ルームに参加しました", slog.String("room_id", roomID))
			return true
		}

		h.logger.Error("ルームへの参加に失敗しました",
			slog.String("room_id", roomID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt == h.joinAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.joinRetryDelay):
		}
	}

	h.logger.Error("ルームへの参加を断念しました", slog.String("room_id", roomID))
	return false
}

// handleLeftRoom はボット自身がキックまたはBANされた場合に配信対象から外す。
// 自分から退出した場合は何もしない。
func (h *Handler) handleLeftRoom(ctx context.Context, roomID string, room matrix.LeftRoom) {
	self := h.transport.UserID()

	for i := range room.Timeline.Events {
		ev := &room.Timeline.Events[i]
		if !ev.IsStateFor(self) {
			continue
		}
		membership := ev.Membership()
		kicked := membership == matrix.MembershipLeave && ev.Sender != self
		if !kicked && membership != matrix.MembershipBan {
			continue
		}
		if ev.EventID != "" && h.seen.Seen(ev.EventID, h.now()) {
			continue
		}

		h.logger.Info("ルームからキックまたはBANされたため追跡を終了します",
			slog.String("room_id", roomID),
			slog.String("membership", membership),
			slog.String("sender", ev.Sender),
		)
		if err := h.rooms.UntrackRoom(ctx, roomID); err != nil {
			h.logger.Error("ルームの追跡終了に失敗しました",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
		}
		// 再招待を受け付ける
		h.seen.Forget(inviteKey(roomID))
	}
}

// handleJoinedRoom はルームのメッセージのうちコマンドに返信する。
func (h *Handler) handleJoinedRoom(ctx context.Context, roomID string, room matrix.JoinedRoom) {
	self := h.transport.UserID()
	startMillis := h.startTime.UnixMilli()

	for i := range room.Timeline.Events {
		ev := &room.Timeline.Events[i]
		content, ok := ev.Message()
		if !ok || ev.Sender == self {
			continue
		}
		if ev.OriginServerTS < startMillis {
			continue
		}
		if ev.EventID != "" && h.seen.Seen(ev.EventID, h.now()) {
			continue
		}

		reply, handled := h.commands.Handle(content.Body)
		if !handled {
			continue
		}

		h.logger.Debug("コマンドを受信しました",
			slog.String("room_id", roomID),
			slog.String("sender", ev.Sender),
			slog.String("body", content.Body),
		)
		if err := h.transport.SendMessage(ctx, roomID, reply); err != nil {
			h.logger.Error("コマンドへの返信に失敗しました",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
