package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, fromFile, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromFile {
		t.Fatalf("expected defaults, not file load")
	}
	if cfg.Cache.MaxSize != 1000 || cfg.Cache.SeenTTL != time.Hour {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Source != SourceFirehose {
		t.Fatalf("unexpected default source: %s", cfg.Source)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := `
environment: DEV
source: ssh
gerrit:
  hostname: review.example.org
  port: 29418
  user: relaybot
  keyfile: /etc/reviewrelay/id_rsa
rules:
  projects: [nova, neutron]
  emails: ["Dev@Example.com"]
  emailSuffixes: ["@example.com", "@example.com"]
cache:
  maxSize: 250
  seenTTL: 30m
sink:
  rooms: ["#reviews"]
  rate: 2
  burst: 4
  includeCommitBody: true
apiServer:
  addr: 127.0.0.1:9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected normalised environment, got %q", cfg.Environment)
	}
	if cfg.Source != SourceSSH {
		t.Fatalf("expected ssh source, got %q", cfg.Source)
	}
	if cfg.Gerrit.Hostname != "review.example.org" {
		t.Fatalf("unexpected gerrit hostname: %q", cfg.Gerrit.Hostname)
	}
	if got := cfg.Rules.Emails[0]; got != "dev@example.com" {
		t.Fatalf("expected lowercased email, got %q", got)
	}
	if len(cfg.Rules.EmailSuffixes) != 1 {
		t.Fatalf("expected suffix dedupe, got %v", cfg.Rules.EmailSuffixes)
	}
	if cfg.Cache.MaxSize != 250 || cfg.Cache.SeenTTL != 30*time.Minute {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if !cfg.Sink.IncludeCommitBody {
		t.Fatalf("expected includeCommitBody true")
	}
}

func TestLoadSeenTTLSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := `
cache:
  maxSize: 500
  seenTTL: 3600
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Cache.MaxSize != 500 || cfg.Cache.SeenTTL != time.Hour {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
}

func TestValidateRejectsBadSource(t *testing.T) {
	cfg := Default()
	cfg.Source = "carrier-pigeon"
	cfg.normalise()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "source must be one of") {
		t.Fatalf("expected source validation error, got %v", err)
	}
}

func TestValidateSSHRequiresConnectionParams(t *testing.T) {
	cfg := Default()
	cfg.Source = SourceSSH
	cfg.Gerrit.Hostname = ""
	cfg.normalise()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing gerrit hostname")
	}
}

func TestValidateFirehoseTransport(t *testing.T) {
	cfg := Default()
	cfg.Firehose.Transport = "udp"
	cfg.normalise()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unsupported firehose transport")
	}
}

func TestValidateCacheBounds(t *testing.T) {
	cfg := Default()
	cfg.Cache.MaxSize = 0
	cfg.normalise()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero cache size")
	}

	cfg = Default()
	cfg.Cache.SeenTTL = 0
	cfg.normalise()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero cache TTL")
	}
}
