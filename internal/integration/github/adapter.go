// Package github はGitHubのマージ済みプルリクエストをメンバーのメトリクスに変換する連携アダプタを提供する。
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/teamsync/internal/integration"
	"github.com/hitoshi/teamsync/internal/model"
)

const (
	// Name は連携の識別子。
	Name = "GitHub"
	// DefaultBaseURL はGitHub REST APIのベースURL。
	DefaultBaseURL = "https://api.github.com"
	// perPage は検索APIの1ページあたりの件数（上限100）。
	perPage = 100
	// searchResultCap は検索APIが返す結果件数の上限。
	searchResultCap = 1000
)

// URLValidator はGitHub EnterpriseのベースURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Adapter はGitHub連携のアダプタ。
type Adapter struct {
	client    *integration.APIClient
	baseURL   string
	validator URLValidator
	logger    *slog.Logger
}

var _ integration.Adapter = (*Adapter)(nil)

// NewAdapter はAdapterを生成する。baseURLが空の場合はDefaultBaseURLを使用する。
// validatorがnilの場合、設定によるベースURLの上書きは受け付けない。
func NewAdapter(client *integration.APIClient, baseURL string, validator URLValidator, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		validator: validator,
		logger:    logger,
	}
}

// Name は連携の識別子を返す。
func (a *Adapter) Name() string { return Name }

// Fields は設定フィールドのメタデータを返す。
func (a *Adapter) Fields() []model.FieldSpec {
	return []model.FieldSpec{
		{Key: "token", Type: model.FieldTypeString, Required: true, Encrypted: true},
		{Key: "org", Type: model.FieldTypeString, Required: true},
		{Key: "apiUrl", Type: model.FieldTypeString},
	}
}

type searchResponse struct {
	TotalCount        int          `json:"total_count"`
	IncompleteResults bool         `json:"incomplete_results"`
	Items             []searchItem `json:"items"`
}

type searchItem struct {
	ID       int64  `json:"id"`
	Number   int    `json:"number"`
	Comments int    `json:"comments"`
	User     struct {
		Login string `json:"login"`
	} `json:"user"`
	ClosedAt    *time.Time `json:"closed_at"`
	PullRequest struct {
		MergedAt *time.Time `json:"merged_at"`
	} `json:"pull_request"`
	RepositoryURL string `json:"repository_url"`
}

// FetchData は組織内で期間中にマージされたプルリクエストを全ページ取得する。
func (a *Adapter) FetchData(ctx context.Context, settings model.IntegrationSettings, r integration.DateRange) ([]integration.Record, error) {
	if settings.Get("token") == "" {
		return nil, fmt.Errorf("%w: GitHub token is required", integration.ErrMissingCredentials)
	}
	if err := integration.ValidateSettings(Name, a.Fields(), settings); err != nil {
		return nil, err
	}
	base, err := a.resolveBaseURL(settings)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("org:%s is:pr state:closed merged:%s..%s",
		settings.Get("org"), r.StartDate(), r.EndDate())
	header := http.Header{}
	header.Set("Authorization", "Bearer "+settings.Get("token"))
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", "2022-11-28")

	var records []integration.Record
	warnedIncomplete := false
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("q", query)
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))

		var resp searchResponse
		respHeader, err := a.client.GetJSON(ctx, base+"/search/issues?"+params.Encode(), header, &resp)
		if err != nil {
			return nil, fmt.Errorf("GitHubの検索APIの呼び出しに失敗しました（page=%d）: %w", page, err)
		}
		if page == 1 && resp.TotalCount > searchResultCap {
			a.logger.Warn("検索結果が上限を超えているため一部のプルリクエストは取得できません",
				slog.String("org", settings.Get("org")),
				slog.String("start", r.StartDate()),
				slog.Int("total_count", resp.TotalCount),
			)
		}

		// 検索がタイムアウトした場合、GitHubは一部の結果だけを返す
		if resp.IncompleteResults && !warnedIncomplete {
			warnedIncomplete = true
			a.logger.Warn("GitHubの検索結果が不完全なため一部のプルリクエストが欠落している可能性があります",
				slog.String("org", settings.Get("org")),
				slog.String("start", r.StartDate()),
				slog.Int("page", page),
			)
		}

		for _, it := range resp.Items {
			records = append(records, toRecord(it))
		}

		if len(resp.Items) < perPage || !hasNextPage(respHeader) || page*perPage >= min(resp.TotalCount, searchResultCap) {
			break
		}
	}

	a.logger.Debug("GitHubのプルリクエストを取得しました",
		slog.String("org", settings.Get("org")),
		slog.String("start", r.StartDate()),
		slog.String("end", r.EndDate()),
		slog.Int("count", len(records)),
	)
	return records, nil
}

// ProcessRecord はプルリクエストの作成者とエイリアスが一致するメンバーにマージ1件を加算する。
func (a *Adapter) ProcessRecord(rec integration.Record, members []*model.TeamMember) map[int64]model.MetricDeltas {
	m := integration.MatchMember(rec.Actor, members)
	if m == nil {
		return nil
	}
	return map[int64]model.MetricDeltas{
		m.ID: {"merges": 1, "reviews": 0},
	}
}

func (a *Adapter) resolveBaseURL(settings model.IntegrationSettings) (string, error) {
	override := strings.TrimRight(settings.Get("apiUrl"), "/")
	if override == "" || override == a.baseURL {
		return a.baseURL, nil
	}
	if a.validator == nil {
		return "", fmt.Errorf("custom GitHub API URL is not allowed")
	}
	if err := a.validator.ValidateURL(override); err != nil {
		return "", fmt.Errorf("invalid GitHub API URL: %w", err)
	}
	return override, nil
}

func toRecord(it searchItem) integration.Record {
	occurred := time.Time{}
	switch {
	case it.PullRequest.MergedAt != nil:
		occurred = *it.PullRequest.MergedAt
	case it.ClosedAt != nil:
		occurred = *it.ClosedAt
	}
	return integration.Record{
		ExternalID: strconv.FormatInt(it.ID, 10),
		Actor:      it.User.Login,
		OccurredAt: occurred,
		Attributes: map[string]float64{"comments": float64(it.Comments)},
	}
}

// hasNextPage はLinkヘッダにrel="next"が含まれるかを返す。Linkヘッダが無い場合は件数判定に委ねる。
func hasNextPage(h http.Header) bool {
	link := h.Get("Link")
	if link == "" {
		return true
	}
	return strings.Contains(link, `rel="next"`)
}
