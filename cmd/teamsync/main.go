// Command teamsync はチームメトリクス同期サービスのエントリーポイント。
//
//	teamsync [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/teamsync/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "teamsync: %v\n", err)
		os.Exit(1)
	}
}
