package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dragonflyic/workbench/internal/config"
)

func TestSetupLogger_LevelByEnv(t *testing.T) {
	dev := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "workbench"})
	if !dev.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("dev logger must emit debug records")
	}

	prod := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "workbench"})
	if prod.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("prod logger must not emit debug records")
	}
	if !prod.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("prod logger must emit info records")
	}
}
