package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arbx/flasharb/cmd"
	"github.com/arbx/flasharb/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		utils.GetLogger().Error("Scanner exited with error", zap.Error(err))
		utils.CleanupLogger()
		os.Exit(1)
	}
	utils.CleanupLogger()
}
