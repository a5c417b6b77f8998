package observability

import (
	"log/slog"
	"os"

	"github.com/dragonflyic/workbench/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every record carries the
// service name and environment so server and worker logs can be told apart in
// a shared sink; callers add the component field at the call site.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
