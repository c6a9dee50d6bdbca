package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Server.HTTPPort != "8080" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Auth.TokenTTL != 12*time.Hour || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Fatalf("durations not decoded: %+v", cfg.Auth)
	}
	if cfg.WakePlan.Conjunction != "og" || cfg.WakePlan.PlanConjunction != "eller" || cfg.WakePlan.CopyPrefix != "Kopi af" {
		t.Fatalf("wakeplan defaults: %+v", cfg.WakePlan)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	body := []byte(`
server:
  http_port: "9090"
database:
  driver: postgres
  dsn: host=db user=kiosk
auth:
  jwt_secret: from-file
mail:
  host: smtp.example.org
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KIOSKADMIN_AUTH_JWT_SECRET", "from-env")
	t.Setenv("KIOSKADMIN_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != "9090" || cfg.Database.Driver != "postgres" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Auth.JWTSecret != "from-env" || cfg.Logging.Level != "debug" {
		t.Fatalf("env override not applied: %+v %+v", cfg.Auth, cfg.Logging)
	}
	if !cfg.Mail.Enabled() || cfg.Mail.Port != 25 {
		t.Fatalf("mail: %+v", cfg.Mail)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:   ServerConfig{HTTPPort: "8080"},
			Database: DatabaseConfig{Driver: "sqlite", DSN: "file::memory:"},
			Auth:     AuthConfig{TokenTTL: time.Hour},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, true},
		{"empty dsn", func(c *Config) { c.Database.DSN = " " }, true},
		{"bad port", func(c *Config) { c.Server.HTTPPort = "http" }, true},
		{"port range", func(c *Config) { c.Server.HTTPPort = "70000" }, true},
		{"postgres without secret", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"postgres with secret", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Auth.JWTSecret = "s"
		}, false},
		{"zero ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, true},
	}
	for _, tc := range tests {
		c := base()
		tc.mutate(&c)
		if err := c.Validate(); (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
