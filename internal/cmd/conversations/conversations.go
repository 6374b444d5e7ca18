// Package conversations parses conversations service flags and launches
// the service.
package conversations

import (
	"context"
	"flag"
	"time"

	server "github.com/louisbranch/convene/internal/conversations/app"
	entrypoint "github.com/louisbranch/convene/internal/platform/cmd"
)

// Config holds conversations command configuration.
type Config struct {
	Port           int           `env:"CONVENE_CONVERSATIONS_PORT" envDefault:"8093"`
	DBPath         string        `env:"CONVENE_CONVERSATIONS_DB_PATH" envDefault:"data/conversations.db"`
	ExpiryInterval time.Duration `env:"CONVENE_CONVERSATIONS_EXPIRY_INTERVAL" envDefault:"1m"`
	ResyncInterval time.Duration `env:"CONVENE_CONVERSATIONS_RESYNC_INTERVAL" envDefault:"30s"`
	SweepBatch     int           `env:"CONVENE_CONVERSATIONS_SWEEP_BATCH" envDefault:"100"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The conversations gRPC server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the conversations SQLite database")
	fs.DurationVar(&cfg.ExpiryInterval, "expiry-interval", cfg.ExpiryInterval, "Interval between invitation expiry sweeps")
	fs.DurationVar(&cfg.ResyncInterval, "resync-interval", cfg.ResyncInterval, "Interval between session resync passes")
	fs.IntVar(&cfg.SweepBatch, "sweep-batch", cfg.SweepBatch, "Max records handled per background sweep")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the conversations service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceConversations, func(context.Context) error {
		return server.Run(ctx, server.Config{
			Port:           cfg.Port,
			DBPath:         cfg.DBPath,
			ExpiryInterval: cfg.ExpiryInterval,
			ResyncInterval: cfg.ResyncInterval,
			SweepBatch:     cfg.SweepBatch,
		})
	})
}
