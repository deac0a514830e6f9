package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
)

// TxRunner は実行主体ごとにトランザクションを張り分ける。
//
// ユーザー起点の処理はアプリケーション用プールでトランザクションを開始し、
// app.current_user_id をトランザクションローカルに設定してRLSポリシーを有効にする。
// スケジューラ起点の処理はRLSをバイパスする専用ロールのプールを使用する。
type TxRunner struct {
	userDB      *sql.DB
	schedulerDB *sql.DB
	logger      *slog.Logger
}

// NewTxRunner はTxRunnerを生成する。schedulerDBがnilの場合はuserDBを共用する。
func NewTxRunner(userDB, schedulerDB *sql.DB, logger *slog.Logger) *TxRunner {
	if schedulerDB == nil {
		schedulerDB = userDB
	}
	return &TxRunner{userDB: userDB, schedulerDB: schedulerDB, logger: logger}
}

// SchedulerDB はスケジューラ用の接続プールを返す。
func (r *TxRunner) SchedulerDB() *sql.DB {
	return r.schedulerDB
}

// RunAsUser はユーザーのRLSコンテキストでfnをトランザクション実行する。
// fnがエラーを返した場合はロールバックする。
func (r *TxRunner) RunAsUser(ctx context.Context, userID int64, fn func(tx *sql.Tx) error) error {
	return r.run(ctx, r.userDB, func(tx *sql.Tx) error {
		// SET LOCAL はプレースホルダを受け付けないため set_config の第3引数で同等にする
		if _, err := tx.ExecContext(ctx,
			`SELECT set_config('app.current_user_id', $1, true)`,
			strconv.FormatInt(userID, 10),
		); err != nil {
			return fmt.Errorf("RLSコンテキストの設定に失敗しました: %w", err)
		}
		return fn(tx)
	})
}

// RunAsScheduler はスケジューラ用ロールでfnをトランザクション実行する。
func (r *TxRunner) RunAsScheduler(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.run(ctx, r.schedulerDB, fn)
}

func (r *TxRunner) run(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	// fnがpanicしても接続をプールに返してから再送出する
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			r.logger.Error("トランザクションのロールバックに失敗しました",
				slog.String("error", rbErr.Error()),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}
