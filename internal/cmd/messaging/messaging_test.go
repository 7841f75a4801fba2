package messaging

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("messaging", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8087" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "messaging.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.DirectoryBaseURL != "http://localhost:8080" {
		t.Fatalf("expected default directory base url, got %q", cfg.DirectoryBaseURL)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("PMAPP_MESSAGING_HTTP_ADDR", "env-addr")
	t.Setenv("PMAPP_MESSAGING_DB_PATH", "env-db")
	t.Setenv("PMAPP_DIRECTORY_BASE_URL", "env-directory")

	fs := flag.NewFlagSet("messaging", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-db-path", "flag-db",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "flag-db" {
		t.Fatalf("expected flag db path, got %q", cfg.DBPath)
	}
	if cfg.DirectoryBaseURL != "env-directory" {
		t.Fatalf("expected env directory base url, got %q", cfg.DirectoryBaseURL)
	}
}
