// Package sync parses sync hub command flags and composes the service
// entrypoint.
package sync

import (
	"context"
	"flag"

	entrypoint "github.com/gridforge/tabletop/internal/platform/cmd"
	server "github.com/gridforge/tabletop/internal/services/sync/app"
)

// Config holds sync hub command configuration.
type Config struct {
	HTTPAddr    string `env:"GRIDFORGE_SYNC_HTTP_ADDR"    envDefault:":8090"`
	StorePath   string `env:"GRIDFORGE_SYNC_STORE_PATH"   envDefault:"sync.db"`
	TokenSecret string `env:"GRIDFORGE_SYNC_TOKEN_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync hub HTTP listen address")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "sync store SQLite path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "session token HS256 secret (empty disables auth)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync app and serves realtime transport and store traffic.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			StorePath:   cfg.StorePath,
			TokenSecret: cfg.TokenSecret,
		})
	})
}
