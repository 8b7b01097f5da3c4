// challengebot はフィードのお題を参加中のチャットルームへ定期配信するボット。
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/challengebot/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("起動に失敗しました", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
