// Package integration は外部システム連携アダプタの共通契約とレジストリを提供する。
//
// アダプタは期間を指定してレコードを取得し（FetchData）、
// 各レコードをエイリアス一致したメンバーのメトリクス加算値に変換する（ProcessRecord）。
// 出力の形は全アダプタで共通で、メトリクスキーのみアダプタごとに異なる。
package integration

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/teamsync/internal/model"
)

var (
	// ErrMissingCredentials は必須の認証情報や設定が欠けている場合のエラー。
	ErrMissingCredentials = errors.New("missing integration credentials")
	// ErrUnknownIntegration は未登録の連携名が指定された場合のエラー。
	ErrUnknownIntegration = errors.New("unknown integration")
	// ErrDuplicateIntegration は同じ連携名のアダプタを二重登録した場合のエラー。
	ErrDuplicateIntegration = errors.New("duplicate integration")
)

// DateRange は取得対象期間。StartとEndはいずれもその日を含む暦日。
type DateRange struct {
	Start time.Time
	End   time.Time
}

// StartDate はYYYY-MM-DD形式の開始日を返す。
func (r DateRange) StartDate() string { return r.Start.Format(time.DateOnly) }

// EndDate はYYYY-MM-DD形式の終了日を返す。
func (r DateRange) EndDate() string { return r.End.Format(time.DateOnly) }

// Contains は時刻が期間内（終了日の終わりまで）にあるかを返す。
func (r DateRange) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(r.Start) && t.Before(r.End.AddDate(0, 0, 1))
}

// Record は外部システムから取得した正規化済みレコード。
type Record struct {
	ExternalID string
	// Actor は外部システム上の実行者の識別子。メンバーのエイリアスと完全一致で照合する。
	Actor      string
	OccurredAt time.Time
	Attributes map[string]float64
}

// Adapter は1つの外部システム連携を表す。
type Adapter interface {
	// Name は連携の識別子（settings.integrationsのキー）を返す。
	Name() string

	// Fields は設定フィールドのメタデータを返す。
	Fields() []model.FieldSpec

	// FetchData は期間内の全レコードをページングしながら取得する。
	// 必須の認証情報が無い場合はErrMissingCredentialsをラップして即座に返す。
	FetchData(ctx context.Context, settings model.IntegrationSettings, r DateRange) ([]Record, error)

	// ProcessRecord はレコードを memberID -> 加算値 に変換する。
	// 一致するメンバーがいない場合はnilを返す。
	ProcessRecord(rec Record, members []*model.TeamMember) map[int64]model.MetricDeltas
}

// MatchMember はactorとエイリアスが完全一致する最初のメンバーを返す。
func MatchMember(actor string, members []*model.TeamMember) *model.TeamMember {
	for _, m := range members {
		if m.HasAlias(actor) {
			return m
		}
	}
	return nil
}

// Aggregate は全レコードをProcessRecordで変換し、メンバーごとに加算値を合計する。
// どのメンバーにも一致しないレコードは結果に含まれない。
func Aggregate(a Adapter, records []Record, members []*model.TeamMember) map[int64]model.MetricDeltas {
	out := make(map[int64]model.MetricDeltas)
	for _, rec := range records {
		for memberID, deltas := range a.ProcessRecord(rec, members) {
			acc, ok := out[memberID]
			if !ok {
				acc = model.MetricDeltas{}
				out[memberID] = acc
			}
			for metric, v := range deltas {
				acc[metric] += v
			}
		}
	}
	return out
}
