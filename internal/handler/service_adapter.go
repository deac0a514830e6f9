package handler

import (
	"context"
	"database/sql"

	"github.com/hitoshi/teamsync/internal/model"
	"github.com/hitoshi/teamsync/internal/repository"
)

// UserTxRunner はユーザーのRLSコンテキストでトランザクションを実行する。
type UserTxRunner interface {
	RunAsUser(ctx context.Context, userID int64, fn func(tx *sql.Tx) error) error
}

// PostgresTeamReader はRLSを有効にしたトランザクション内でリポジトリを呼び出すTeamReader。
// 他チームの行はポリシーにより見えない。
type PostgresTeamReader struct {
	tx UserTxRunner
}

// NewPostgresTeamReader はPostgresTeamReaderを生成する。
func NewPostgresTeamReader(tx UserTxRunner) *PostgresTeamReader {
	return &PostgresTeamReader{tx: tx}
}

// ListMembers はチームの全メンバーを返す。
func (a *PostgresTeamReader) ListMembers(ctx context.Context, userID, teamID int64) ([]*model.TeamMember, error) {
	var members []*model.TeamMember
	err := a.tx.RunAsUser(ctx, userID, func(tx *sql.Tx) error {
		var err error
		members, err = repository.NewPostgresMemberRepo(tx).ListByTeam(ctx, teamID)
		return err
	})
	return members, err
}

// ListSyncStates はチームの全同期状態を返す。
func (a *PostgresTeamReader) ListSyncStates(ctx context.Context, userID, teamID int64) ([]*model.SyncState, error) {
	var states []*model.SyncState
	err := a.tx.RunAsUser(ctx, userID, func(tx *sql.Tx) error {
		var err error
		states, err = repository.NewPostgresSyncStateRepo(tx).ListByTeam(ctx, teamID)
		return err
	})
	return states, err
}
