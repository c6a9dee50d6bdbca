package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommandHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, want := range []string{"kioskadmin", "migrate", "create-superuser", "seed-scripts"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output lacks %q", want)
		}
	}
}

func TestDatabaseCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	body := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "kiosk.db") + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if out, err := run(t, "--config", cfg, "migrate"); err != nil || !strings.Contains(out, "up to date") {
		t.Fatalf("migrate = %q, %v", out, err)
	}
	if _, err := run(t, "--config", cfg, "create-superuser", "--username", "root"); err == nil {
		t.Fatal("create-superuser without password succeeded")
	}
	out, err := run(t, "--config", cfg, "create-superuser", "--username", "root", "--email", "root@example.org", "--password", "hemmeligt")
	if err != nil || !strings.Contains(out, "created superuser root") {
		t.Fatalf("create-superuser = %q, %v", out, err)
	}
	if out, err := run(t, "--config", cfg, "seed-scripts"); err != nil || !strings.Contains(out, "built-in scripts created") {
		t.Fatalf("seed-scripts = %q, %v", out, err)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	out, err := run(t, "version")
	if err != nil || strings.TrimSpace(out) != "1.2.3" {
		t.Fatalf("version = %q, %v", out, err)
	}
}
