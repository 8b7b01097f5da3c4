// Package handler は運用用HTTPエンドポイントを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/challengebot/internal/metrics"
	"github.com/hitoshi/challengebot/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker Pinger
	Session       SessionState
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// NewRouter は /health と /metrics を提供するchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RecoveryMiddleware → LoggingMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker, deps.Session, deps.Logger))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	return r
}
