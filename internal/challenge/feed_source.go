// Package challenge はお題フィードの取得と正規化を提供する。
package challenge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/challengebot/internal/config"
	"github.com/hitoshi/challengebot/internal/model"
)

// Sanitizer はHTMLサニタイズのインターフェース。
type Sanitizer interface {
	Sanitize(rawHTML string) string
	StripTags(raw string) string
}

// FeedSource はRSS/Atomフィードからお題一覧を取得する。
// 返す一覧は作成日時の昇順で、ID重複を含まない。
type FeedSource struct {
	url          string
	client       *http.Client
	maxSize      int64
	titlePattern *regexp.Regexp
	sanitizer    Sanitizer
	logger       *slog.Logger
}

// NewFeedSource はFeedSourceを生成する。
// clientには通常 security.SSRFGuard.NewSafeClient の戻り値を渡す。
func NewFeedSource(cfg config.FeedConfig, client *http.Client, sanitizer Sanitizer, logger *slog.Logger) (*FeedSource, error) {
	s := &FeedSource{
		url:       cfg.URL,
		client:    client,
		maxSize:   cfg.MaxSize,
		sanitizer: sanitizer,
		logger:    logger,
	}
	if cfg.TitlePattern != "" {
		re, err := regexp.Compile(cfg.TitlePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid title pattern: %w", err)
		}
		s.titlePattern = re
	}
	return s, nil
}

// Fetch はフィードを取得してお題一覧を返す。
// 新しいお題がないことはエラーではなく、空の一覧を返す。
func (s *FeedSource) Fetch(ctx context.Context) ([]model.Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "challengebot/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if int64(len(body)) > s.maxSize {
		return nil, fmt.Errorf("feed exceeds max size of %d bytes", s.maxSize)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	items, skipped := s.convert(parsed.Items)
	if skipped > 0 {
		s.logger.Debug("お題として扱えない記事をスキップしました",
			slog.String("feed_url", s.url),
			slog.Int("skipped", skipped),
		)
	}
	return items, nil
}

// Resolve はフィードを取得し、指定IDのお題を返す。
// 見つからない場合はmodel.ErrChallengeNotFoundを返す。
func (s *FeedSource) Resolve(ctx context.Context, id string) (*model.Challenge, error) {
	items, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return find(items, id)
}

// convert はgofeedの記事をお題に変換し、昇順に並べてIDで重複を除く。
// 日時かIDのない記事、タイトルパターンに一致しない記事は除外する。
func (s *FeedSource) convert(feedItems []*gofeed.Item) ([]model.Challenge, int) {
	items := make([]model.Challenge, 0, len(feedItems))
	skipped := 0

	for _, item := range feedItems {
		if item == nil {
			continue
		}
		c, ok := s.toChallenge(item)
		if !ok {
			skipped++
			continue
		}
		items = append(items, c)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	seen := make(map[string]bool, len(items))
	deduped := items[:0]
	for _, c := range items {
		if seen[c.ID] {
			skipped++
			continue
		}
		seen[c.ID] = true
		deduped = append(deduped, c)
	}
	return deduped, skipped
}

func (s *FeedSource) toChallenge(item *gofeed.Item) (model.Challenge, bool) {
	title := strings.TrimSpace(s.sanitizer.StripTags(item.Title))
	if s.titlePattern != nil && !s.titlePattern.MatchString(title) {
		return model.Challenge{}, false
	}

	created := item.PublishedParsed
	if created == nil {
		created = item.UpdatedParsed
	}
	if created == nil {
		return model.Challenge{}, false
	}

	link := item.Link
	id := item.GUID
	if id == "" {
		id = link
	}
	if id == "" {
		return model.Challenge{}, false
	}
	// LinkがなくGUIDがURL形式の場合はGUIDをリンクとして使う
	if link == "" && (strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")) {
		link = id
	}

	raw := item.Content
	if raw == "" {
		raw = item.Description
	}
	bodyHTML := strings.TrimSpace(s.sanitizer.Sanitize(raw))

	return model.Challenge{
		ID:        id,
		Title:     title,
		Body:      HTMLToText(bodyHTML),
		BodyHTML:  bodyHTML,
		URL:       link,
		CreatedAt: created.UTC(),
	}, true
}

func find(items []model.Challenge, id string) (*model.Challenge, error) {
	for i := range items {
		if items[i].ID == id {
			c := items[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrChallengeNotFound, id)
}
