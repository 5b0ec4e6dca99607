package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/agent-orchestrator/internal/config"
)

// SetupLogger configures the process-wide JSON logger on stdout.
func SetupLogger(cfg config.Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg)
}

// NewLogger builds a JSON slog logger writing to w. Debug level is enabled
// in dev; every record carries the service name, environment, and host so
// scheduler logs from multiple orchestrator instances stay attributable.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("host", host),
	)
}
