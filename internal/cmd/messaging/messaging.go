// Package messaging parses messaging command flags and composes transport
// entrypoints.
package messaging

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/cmd"
	server "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/app"
)

// Config holds messaging command configuration.
type Config struct {
	HTTPAddr         string `env:"PMAPP_MESSAGING_HTTP_ADDR"  envDefault:":8087"`
	DBPath           string `env:"PMAPP_MESSAGING_DB_PATH"    envDefault:"messaging.db"`
	DirectoryBaseURL string `env:"PMAPP_DIRECTORY_BASE_URL"   envDefault:"http://localhost:8080"`
	SessionIssuer    string `env:"PMAPP_SESSION_ISSUER"       envDefault:"pmapp"`
	SessionAudience  string `env:"PMAPP_SESSION_AUDIENCE"     envDefault:"messaging"`
	SessionPublicKey string `env:"PMAPP_SESSION_PUBLIC_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "messaging HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "messaging SQLite database path")
	fs.StringVar(&cfg.DirectoryBaseURL, "directory-base-url", cfg.DirectoryBaseURL, "membership directory base URL")
	fs.StringVar(&cfg.SessionIssuer, "session-issuer", cfg.SessionIssuer, "expected session token issuer")
	fs.StringVar(&cfg.SessionAudience, "session-audience", cfg.SessionAudience, "expected session token audience")
	fs.StringVar(&cfg.SessionPublicKey, "session-public-key", cfg.SessionPublicKey, "base64 ed25519 session verification key")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the messaging app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMessaging, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:         cfg.HTTPAddr,
			DBPath:           cfg.DBPath,
			DirectoryBaseURL: cfg.DirectoryBaseURL,
			SessionIssuer:    cfg.SessionIssuer,
			SessionAudience:  cfg.SessionAudience,
			SessionPublicKey: cfg.SessionPublicKey,
		}); err != nil {
			return fmt.Errorf("serve messaging: %w", err)
		}
		return nil
	})
}
