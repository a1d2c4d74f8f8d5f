package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/pmkol/hostcache/coremain"
	"github.com/pmkol/hostcache/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("hostcache exited", zap.Error(err))
		os.Exit(1)
	}
}
