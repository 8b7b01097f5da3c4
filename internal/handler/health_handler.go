package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/challengebot/internal/middleware"
)

// Pinger は配信ストアへの接続確認のインターフェース。
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionState はチャットサーバーとのセッション状態のインターフェース。
type SessionState interface {
	LoggedIn() bool
}

// ヘルスチェックの状態値
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// HealthResponse は /health のレスポンス。
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	ChatSession string `json:"chat_session"`
}

// HealthHandler はストアとチャットセッションの状態を返す。
type HealthHandler struct {
	db      Pinger
	session SessionState
	logger  *slog.Logger
	timeout time.Duration
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db Pinger, session SessionState, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		session: session,
		logger:  logger,
		timeout: 3 * time.Second,
	}
}

// ServeHTTP はヘルスチェック結果を返す。
// ストアに接続できない場合は503を返す。
// チャットセッションが切れているだけの場合は再接続中とみなし、200でdegradedを返す。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{Status: StatusOK, Database: StatusOK, ChatSession: "logged_in"}
	code := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("ヘルスチェックでストアに接続できませんでした",
			slog.String("error", err.Error()),
		)
		resp.Database = "error"
		resp.Status = StatusUnavailable
		code = http.StatusServiceUnavailable
	}

	if !h.session.LoggedIn() {
		resp.ChatSession = "logged_out"
		if resp.Status == StatusOK {
			resp.Status = StatusDegraded
		}
	}

	middleware.WriteJSON(w, code, resp)
}
