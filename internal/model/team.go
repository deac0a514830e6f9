// Package model はドメインモデルを定義する。
package model

import "time"

// Team はメトリクス同期の単位となるテナントを表す。
// 凍結中のチームは同期・書き込みの対象外となる。
type Team struct {
	ID           int64
	Slug         string
	Name         string
	Description  string
	OwnerID      int64
	IsFrozen     bool
	FrozenReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TeamMember はチームに所属するメンバーを表す。
// Aliasesは外部システム上の識別子（GitHubログイン名など）の集合。
type TeamMember struct {
	ID        int64
	TeamID    int64
	FullName  string
	Email     string
	UserID    *int64
	Aliases   []string
	Metrics   MonthlyMetrics
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAlias は指定された外部識別子がメンバーのエイリアスと完全一致するかを返す。
func (m *TeamMember) HasAlias(identity string) bool {
	if identity == "" {
		return false
	}
	for _, a := range m.Aliases {
		if a == identity {
			return true
		}
	}
	return false
}
