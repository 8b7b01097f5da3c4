package challenge

import (
	"context"
	"sync"

	"github.com/hitoshi/challengebot/internal/model"
)

// Fetcher はお題一覧を取得するインターフェース。
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.Challenge, error)
}

// SnapshotResolver は最初の呼び出しで1回だけフィードを取得し、
// 以降のIDの解決はそのスナップショットに対して行う。
// マイグレーションで多数の行を補完する際に、行ごとのフェッチを避ける。
type SnapshotResolver struct {
	source Fetcher

	once  sync.Once
	items []model.Challenge
	err   error
}

// NewSnapshotResolver はSnapshotResolverを生成する。
func NewSnapshotResolver(source Fetcher) *SnapshotResolver {
	return &SnapshotResolver{source: source}
}

// Resolve は指定IDのお題を返す。
// フィード取得に失敗した場合は、すべての呼び出しで同じエラーを返す。
func (r *SnapshotResolver) Resolve(ctx context.Context, id string) (*model.Challenge, error) {
	r.once.Do(func() {
		r.items, r.err = r.source.Fetch(ctx)
	})
	if r.err != nil {
		return nil, r.err
	}
	return find(r.items, id)
}
