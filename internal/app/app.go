// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/challengebot/internal/bot"
	"github.com/hitoshi/challengebot/internal/challenge"
	"github.com/hitoshi/challengebot/internal/command"
	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/database"
	"github.com/hitoshi/challengebot/internal/handler"
	"github.com/hitoshi/challengebot/internal/logger"
	"github.com/hitoshi/challengebot/internal/matrix"
	"github.com/hitoshi/challengebot/internal/metrics"
	"github.com/hitoshi/challengebot/internal/model"
	"github.com/hitoshi/challengebot/internal/repository"
	"github.com/hitoshi/challengebot/internal/security"
	"github.com/hitoshi/challengebot/internal/worker/cleanup"
	"github.com/hitoshi/challengebot/internal/worker/delivery"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、.envと設定ファイルを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, configPath string) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envがあれば環境変数に読み込む（既存の環境変数は上書きしない）
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 設定ファイルを読み込み、環境変数で上書きする
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if !logger.SetLevel(cfg.Log.Level) {
		slog.Warn("未知のログレベルのためinfoを使用します", slog.String("level", cfg.Log.Level))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// openStore はDB接続を開き、接続を確認する。
func openStore(cfg *config.Config) (*sql.DB, repository.Store, error) {
	db, err := database.Open(cfg.Database.Type, cfg.Database.ConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := repository.NewStore(cfg.Database.Type, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// newFeedSource はSSRF対策済みのHTTPクライアントでフィードソースを構築する。
func newFeedSource(cfg *config.Config, log *slog.Logger) (*challenge.FeedSource, error) {
	ssrfGuard := security.NewSSRFGuard()
	if err := ssrfGuard.ValidateURL(cfg.Feed.URL); err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	return challenge.NewFeedSource(
		cfg.Feed,
		ssrfGuard.NewSafeClient(cfg.Feed.FetchTimeout),
		security.NewContentSanitizer(),
		log,
	)
}

// migrationHooks はマイグレーションのバージョンごとのフックを構築する。
// 補完用のフィードは必要になった時点で1回だけ取得する。
func migrationHooks(store repository.BackfillStore, feed challenge.Fetcher, log *slog.Logger) map[uint]database.Hook {
	resolver := challenge.NewSnapshotResolver(feed)
	return map[uint]database.Hook{
		database.VersionChallengeCreatedAt: database.NewChallengeCreatedAtBackfill(store, resolver, log),
	}
}

// migrate はtargetまでマイグレーションを適用する。targetが0の場合は最新まで適用する。
func migrate(ctx context.Context, cfg *config.Config, store repository.BackfillStore, feed challenge.Fetcher, target uint, log *slog.Logger) error {
	mg, err := database.NewMigrator(cfg.Database.Type, cfg.Database.ConnectionString, log)
	if err != nil {
		return err
	}
	defer mg.Close()

	for v, h := range migrationHooks(store, feed, log) {
		mg.AddHook(v, h)
	}

	if target == 0 {
		return mg.Up(ctx)
	}
	return mg.MigrateTo(ctx, target)
}

// runBot はボットを起動する。
// マイグレーションの適用後、配信スケジューラ、セッションランナー、ルーム整理ジョブ、
// 運用用HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runBot(cfg *config.Config) error {
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. DB接続
	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established", slog.String("type", cfg.Database.Type))

	// 3. フィードソース
	feed, err := newFeedSource(cfg, log)
	if err != nil {
		return err
	}

	// 4. マイグレーション
	if err := migrate(ctx, cfg, store, feed, 0, log); err != nil {
		collector.RecordError(metrics.ErrorMigration)
		return fmt.Errorf("migration failed: %w", err)
	}

	// 5. チャットクライアント（同期のロングポーリングより長いタイムアウトにする）
	client := matrix.NewClient(
		&http.Client{Timeout: cfg.Matrix.SyncTimeout + 30*time.Second},
		cfg.Matrix,
		log,
	)

	// 6. 配信
	reconciler := delivery.NewReconciler(store, client, cfg.Delivery, collector, log)
	scheduler := delivery.NewScheduler(feed, reconciler, cfg.Scheduler, collector, log)

	// 7. セッションとイベント処理
	dispatcher := command.NewDispatcher(cfg.Matrix.CommandPrefix, cfg.Delivery.HelpText)
	eventHandler := bot.NewHandler(client, reconciler, dispatcher, cfg.Matrix, cfg.Delivery.Greeting, log)
	runner := bot.NewRunner(client, eventHandler, cfg.Matrix, collector, log)

	// 8. ルーム整理ジョブ
	pruneJob := cleanup.NewPruneJob(
		&prunableRooms{store: store, reconciler: reconciler},
		client, collector, log,
	)
	pruneJob.Interval = cfg.Prune.Interval

	// 9. 運用用HTTPサーバー
	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handler.NewRouter(&handler.RouterDeps{
			HealthChecker: store,
			Session:       client,
			Gatherer:      reg,
			Logger:        log,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	log.Info("bot starting",
		slog.String("user_id", cfg.Matrix.UserID),
		slog.String("homeserver", cfg.Matrix.HomeserverURL),
		slog.Duration("delivery_interval", cfg.Delivery.Interval),
		slog.Duration("tick_interval", cfg.Scheduler.TickInterval),
	)

	var wg sync.WaitGroup
	for _, start := range []func(context.Context){runner.Run, scheduler.Start, pruneJob.Start} {
		wg.Add(1)
		go func(start func(context.Context)) {
			defer wg.Done()
			start(ctx)
		}(start)
	}

	<-ctx.Done()
	log.Info("shutting down bot...")

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("bot stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// targetが0の場合はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, target uint) error {
	log := slog.Default()
	log.Info("running database migrations",
		slog.String("type", cfg.Database.Type),
		slog.String("database", maskDatabaseURL(cfg.Database.ConnectionString)),
		slog.Uint64("target", uint64(target)),
	)

	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	feed, err := newFeedSource(cfg, log)
	if err != nil {
		return err
	}

	if err := migrate(context.Background(), cfg, store, feed, target, log); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// prunableRooms はルーム整理ジョブ向けに、一覧はストアから読み、
// 追跡解除は配信とルーム単位で直列化されたReconciler経由で行う。
type prunableRooms struct {
	store      repository.DeliveryStore
	reconciler *delivery.Reconciler
}

func (p *prunableRooms) GetAllRoomStates(ctx context.Context) (map[string]*model.RoomState, error) {
	return p.store.GetAllRoomStates(ctx)
}

func (p *prunableRooms) UntrackRoom(ctx context.Context, roomID string) error {
	return p.reconciler.UntrackRoom(ctx, roomID)
}
