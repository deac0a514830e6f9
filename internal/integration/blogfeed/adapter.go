// Package blogfeed はチームのブログのRSS/Atomフィードから、メンバーごとの投稿数を集計する連携アダプタを提供する。
package blogfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/model"
)

// Name は連携の識別子。
const Name = "blogfeed"

// URLValidator はフィードURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Adapter はブログフィード連携のアダプタ。
type Adapter struct {
	client    *integration.APIClient
	validator URLValidator
	logger    *slog.Logger
}

var _ integration.Adapter = (*Adapter)(nil)

// NewAdapter はAdapterを生成する。clientにはSSRF対策済みのHTTPクライアントを持つものを渡す。
func NewAdapter(client *integration.APIClient, validator URLValidator, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, validator: validator, logger: logger}
}

// Name は連携の識別子を返す。
func (a *Adapter) Name() string { return Name }

// Fields は設定フィールドのメタデータを返す。
func (a *Adapter) Fields() []model.FieldSpec {
	return []model.FieldSpec{
		{Key: "url", Type: model.FieldTypeString, Required: true},
	}
}

// FetchData はフィード（またはフィードを告知するHTMLページ）を取得し、期間内の投稿をレコードとして返す。
// フィードは1ドキュメントで完結するため、ページングは行わない。
func (a *Adapter) FetchData(ctx context.Context, settings model.IntegrationSettings, r integration.DateRange) ([]integration.Record, error) {
	if err := integration.ValidateSettings(Name, a.Fields(), settings); err != nil {
		return nil, err
	}
	feedURL := strings.TrimSpace(settings.Get("url"))

	body, err := a.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	if !looksLikeFeed(body.contentType, body.data) {
		discovered := discoverFeedURL(body.data, feedURL)
		if discovered == "" {
			return nil, fmt.Errorf("no RSS/Atom feed found at %s", feedURL)
		}
		a.logger.Debug("HTMLページからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", discovered),
		)
		if body, err = a.get(ctx, discovered); err != nil {
			return nil, err
		}
	}

	feed, err := gofeed.NewParser().ParseString(string(body.data))
	if err != nil {
		return nil, fmt.Errorf("フィードの解析に失敗しました: %w", err)
	}

	var records []integration.Record
	for _, item := range feed.Items {
		published := itemTime(item)
		if published.IsZero() || !r.Contains(published) {
			continue
		}
		for _, actor := range itemActors(item) {
			records = append(records, integration.Record{
				ExternalID: itemID(item),
				Actor:      actor,
				OccurredAt: published,
			})
		}
	}
	return records, nil
}

// ProcessRecord は投稿者とエイリアスが一致するメンバーに投稿1件を加算する。
func (a *Adapter) ProcessRecord(rec integration.Record, members []*model.TeamMember) map[int64]model.MetricDeltas {
	m := integration.MatchMember(rec.Actor, members)
	if m == nil {
		return nil
	}
	return map[int64]model.MetricDeltas{m.ID: {"posts": 1}}
}

type fetched struct {
	data        []byte
	contentType string
}

func (a *Adapter) get(ctx context.Context, rawURL string) (fetched, error) {
	if a.validator != nil {
		if err := a.validator.ValidateURL(rawURL); err != nil {
			return fetched{}, fmt.Errorf("フィードURLが不正です: %w", err)
		}
	}
	header := http.Header{}
	header.Set("Accept", "application/atom+xml, application/rss+xml, application/xml, text/xml, text/html;q=0.8, */*;q=0.5")
	data, respHeader, err := a.client.GetBody(ctx, rawURL, header)
	if err != nil {
		return fetched{}, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return fetched{data: data, contentType: respHeader.Get("Content-Type")}, nil
}

func itemTime(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return *item.PublishedParsed
	case item.UpdatedParsed != nil:
		return *item.UpdatedParsed
	default:
		return time.Time{}
	}
}

// itemActors は投稿者の名前とメールアドレスを重複なく返す。
// メンバーのエイリアスにはどちらを登録してもよい。
func itemActors(item *gofeed.Item) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p *gofeed.Person) {
		if p == nil {
			return
		}
		for _, v := range []string{strings.TrimSpace(p.Name), strings.TrimSpace(p.Email)} {
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	add(item.Author)
	for _, p := range item.Authors {
		add(p)
	}
	return out
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}
