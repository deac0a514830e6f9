package syncstate

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Outcome はRunExclusiveの結果。
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// RunExclusive は (team, integration) のロックを取得してfnを実行する。
//
// 既に実行中の場合はfnを呼ばずにOutcomeSkippedを返す。
// 実行中はハートビートを記録し続け、fnの終了（成功・エラー・panic・キャンセル）で必ず停止する。
// fnの結果に応じて完了または失敗を記録する。
func (t *Tracker) RunExclusive(ctx context.Context, teamID int64, integration string, fn func(ctx context.Context) error) (Outcome, error) {
	startedAt, started, err := t.MarkStart(ctx, teamID, integration)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("同期ロックの取得に失敗しました: %w", err)
	}
	if !started {
		t.logger.Warn("sync already running, skipping",
			slog.Int64("team_id", teamID),
			slog.String("integration", integration),
		)
		return OutcomeSkipped, nil
	}

	stop := t.startHeartbeat(ctx, teamID, integration)
	runErr := t.runGuarded(ctx, teamID, integration, fn)
	stop()

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if runErr != nil {
		if err := t.MarkFailed(finCtx, teamID, integration, startedAt, runErr.Error()); err != nil {
			t.logger.Error("同期失敗状態の記録に失敗しました",
				slog.Int64("team_id", teamID),
				slog.String("integration", integration),
				slog.String("error", err.Error()),
			)
		}
		return OutcomeFailed, runErr
	}

	if err := t.MarkComplete(finCtx, teamID, integration, startedAt); err != nil {
		return OutcomeSucceeded, fmt.Errorf("同期完了状態の記録に失敗しました: %w", err)
	}
	return OutcomeSucceeded, nil
}

// startHeartbeat はハートビートgoroutineを起動し、停止関数を返す。
// 停止関数はgoroutineの終了を待ってから戻る。
func (t *Tracker) startHeartbeat(ctx context.Context, teamID int64, integration string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := t.UpdateHeartbeat(hbCtx, teamID, integration); err != nil && hbCtx.Err() == nil {
					t.logger.Error("ハートビートの記録に失敗しました",
						slog.Int64("team_id", teamID),
						slog.String("integration", integration),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// runGuarded はfnのpanicをエラーに変換する。スタックはログにのみ出力する。
func (t *Tracker) runGuarded(ctx context.Context, teamID int64, integration string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("同期処理でpanicが発生しました",
				slog.Int64("team_id", teamID),
				slog.String("integration", integration),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return fn(ctx)
}
