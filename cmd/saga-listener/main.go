package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jcmexdev/message-sagas/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("saga-listener failed", "error", err)
		os.Exit(1)
	}
}
