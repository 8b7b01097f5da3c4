package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/matrix"
	"github.com/hitoshi/challengebot/internal/metrics"
)

// Session はセッションランナーが使うチャットサーバー操作のインターフェース。
type Session interface {
	Login(ctx context.Context, password string) error
	Logout()
	Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncResponse, error)
}

// Runner はログインと同期を繰り返し、セッションが切れたら再接続する。
// 配信スケジューラとは独立して動く。
// 同期トークンは再接続をまたいで引き継ぎ、切断中の差分も受け取る。
type Runner struct {
	session        Session
	handler        *Handler
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	password       string
	reconnectDelay time.Duration
	syncTimeout    time.Duration

	// since は最後に受け取ったnext_batch。空なら初回同期になる
	since string
}

// NewRunner はRunnerを生成する。
func NewRunner(
	session Session,
	handler *Handler,
	cfg config.MatrixConfig,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		session:        session,
		handler:        handler,
		metrics:        collector,
		logger:         logger,
		password:       cfg.Password,
		reconnectDelay: cfg.ReconnectDelay,
		syncTimeout:    cfg.SyncTimeout,
	}
}

// Run はコンテキストがキャンセルされるまでセッションを維持する。
// セッションのエラーはログに記録し、再接続間隔を置いて無制限に再試行する。
func (r *Runner) Run(ctx context.Context) {
	for {
		err := r.runSession(ctx)
		r.session.Logout()

		if ctx.Err() != nil {
			r.logger.Info("セッションランナーを停止しました")
			return
		}

		r.metrics.RecordError(metrics.ErrorTransport)
		r.logger.Warn("チャットサーバーとのセッションが切れました。再接続します",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", r.reconnectDelay),
		)

		select {
		case <-ctx.Done():
			r.logger.Info("セッションランナーを停止しました")
			return
		case <-time.After(r.reconnectDelay):
		}
	}
}

// runSession はログインしてから同期ループを実行する。
// 戻り値は常に非nilのエラー。
func (r *Runner) runSession(ctx context.Context) error {
	if err := r.session.Login(ctx, r.password); err != nil {
		return fmt.Errorf("ログインに失敗: %w", err)
	}
	r.logger.Info("チャットサーバーにログインしました")

	for {
		resp, err := r.session.Sync(ctx, r.since, r.syncTimeout)
		if err != nil {
			if r.since != "" && syncTokenRejected(err) {
				r.logger.Warn("同期トークンが拒否されました。初回同期からやり直します",
					slog.String("since", r.since),
				)
				r.since = ""
			}
			return fmt.Errorf("同期に失敗: %w", err)
		}
		r.handler.HandleSync(ctx, resp)
		r.since = resp.NextBatch
	}
}

// syncTokenRejected はサーバーがsinceトークン自体を受け付けなかったかを判定する。
// 認証エラーやネットワークエラーではトークンを保持する。
func syncTokenRejected(err error) bool {
	var apiErr *matrix.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrCode {
	case "M_UNKNOWN_POS", "M_INVALID_PARAM":
		return true
	}
	return apiErr.StatusCode == http.StatusBadRequest
}
