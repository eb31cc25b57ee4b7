package worker

import (
	"os"

	"go.uber.org/zap"
)

// Watchdog runs a never-exit task and terminates the process non-zero
// if it returns anyway, so a supervisor restarts it in a clean state.
func Watchdog(log *zap.SugaredLogger, name string, fn func() error) {
	err := fn()
	log.Errorw("background task exited", "task", name, "error", err)
	_ = log.Sync()
	os.Exit(1)
}
