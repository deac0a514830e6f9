package model

import "time"

// SyncStatus は同期状態から導出されるステータス。
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusSucceeded SyncStatus = "succeeded"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncState は (team, integration) ごとの同期状態を表す。
// IsSyncingが排他制御のためのアドバイザリロックとして機能する。
type SyncState struct {
	TeamID          int64
	Integration     string
	IsSyncing       bool
	LastStartedAt   *time.Time
	LastHeartbeatAt *time.Time
	LastSyncedAt    *time.Time
	LastFailedAt    *time.Time
	LastError       string
}

// Status は現在の状態を返す。
// 実行中でなければ、成功と失敗のうち新しい方を最終結果とみなす。
func (s *SyncState) Status() SyncStatus {
	if s == nil {
		return SyncStatusIdle
	}
	if s.IsSyncing {
		return SyncStatusRunning
	}
	switch {
	case s.LastFailedAt != nil && (s.LastSyncedAt == nil || s.LastFailedAt.After(*s.LastSyncedAt)):
		return SyncStatusFailed
	case s.LastSyncedAt != nil:
		return SyncStatusSucceeded
	default:
		return SyncStatusIdle
	}
}

// IsStale は実行中のまま、ハートビートが閾値より古い場合にtrueを返す。
// ハートビートが一度も記録されていない場合は開始時刻で判定する。
func (s *SyncState) IsStale(now time.Time, threshold time.Duration) bool {
	if s == nil || !s.IsSyncing {
		return false
	}
	last := s.LastHeartbeatAt
	if last == nil {
		last = s.LastStartedAt
	}
	if last == nil {
		return true
	}
	return now.Sub(*last) > threshold
}
