package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: s3cret\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Timezone != "Europe/Paris" {
		t.Errorf("unexpected server defaults: %+v %s", cfg.Server, cfg.Timezone)
	}
	if cfg.Points.Bootstrap != 500 || cfg.Points.BootstrapBolts != 10 || cfg.Ledger.Tolerance != 0.5 {
		t.Errorf("unexpected points defaults: %+v %+v", cfg.Points, cfg.Ledger)
	}
	if cfg.Directional.RetryWindow != 14*24*time.Hour || cfg.Directional.DefaultTime != "18:00" {
		t.Errorf("unexpected directional defaults: %+v", cfg.Directional)
	}
	if cfg.AssetPair() != [2]string{"PIERRE", "MARIE"} {
		t.Errorf("unexpected assets: %v", cfg.Mood.Assets)
	}
	if cfg.Schedule.Publish != "0 0 10 * * *" {
		t.Errorf("unexpected publish schedule: %q", cfg.Schedule.Publish)
	}
	if cfg.Location().String() != "Europe/Paris" {
		t.Errorf("unexpected location %s", cfg.Location())
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
auth:
  jwt_secret: from-file
boost:
  max_per_target: 3
  unit: 2.5
mood:
  assets: [SUN, MOON]
schedule:
  hourly: ""
`)
	t.Setenv("PORT", "9100")
	t.Setenv("METEO_LEDGER_REPAIR", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("PORT should override the file, got %s", cfg.Server.Port)
	}
	if !cfg.Ledger.Repair {
		t.Error("METEO_LEDGER_REPAIR should enable repair")
	}
	if cfg.Boost.MaxPerTarget != 3 || cfg.Boost.Unit != 2.5 {
		t.Errorf("unexpected boost config %+v", cfg.Boost)
	}
	if cfg.AssetPair() != [2]string{"SUN", "MOON"} {
		t.Errorf("unexpected assets %v", cfg.Mood.Assets)
	}
	if cfg.Schedule.Hourly != "" {
		t.Errorf("hourly schedule should be disabled, got %q", cfg.Schedule.Hourly)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: x\n"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"bad default time", func(c *Config) { c.Directional.DefaultTime = "25:00" }},
		{"short retry window", func(c *Config) { c.Directional.RetryWindow = time.Hour }},
		{"same assets", func(c *Config) { c.Mood.Assets = []string{"A", "A"} }},
		{"one asset", func(c *Config) { c.Mood.Assets = []string{"A"} }},
		{"odds inverted", func(c *Config) { c.Odds.Max = 0.5 }},
		{"zero boost", func(c *Config) { c.Boost.Unit = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
