package app

import (
	"errors"
	"fmt"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は手動同期と参照APIのHTTPサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は同期スケジューラ、リーパー、クリーンアップを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ErrUnknownCommand はサポート外のサブコマンドが指定された場合のエラー。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch c := Command(args[0]); c {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q (serve|worker|migrate|healthcheck)", ErrUnknownCommand, args[0])
	}
}
