package model

import "time"

// SyncTrigger は同期の起動元。
type SyncTrigger string

const (
	SyncTriggerScheduled SyncTrigger = "scheduled"
	SyncTriggerMonth     SyncTrigger = "manual_month"
	SyncTriggerFull      SyncTrigger = "manual_full"
)

// SyncRunStatus は同期実行履歴のステータス。
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunSucceeded SyncRunStatus = "succeeded"
	SyncRunFailed    SyncRunStatus = "failed"
	SyncRunSkipped   SyncRunStatus = "skipped"
)

// SyncRun は1回の同期実行の履歴を表す。
type SyncRun struct {
	ID             string
	TeamID         int64
	Integration    string
	Trigger        SyncTrigger
	StartingMonth  string
	MonthsBack     int
	Status         SyncRunStatus
	RecordsFetched int
	ErrorMessage   string
	StartedAt      time.Time
	FinishedAt     *time.Time
}
