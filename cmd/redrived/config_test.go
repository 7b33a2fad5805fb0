package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/redrive/drive"
)

const sampleConfig = `
listen: ":9090"
database: /var/lib/redrive/redrive.db
checkpoint_dir: /var/lib/redrive/checkpoints
portal:
  url: https://portal.example.test/tickets
  resource_blocking: [Image, Font, Media]
runner:
  claim_timeout: 5m
  checkpoint_interval: 15s
operations:
  - type: submit_form
    routes:
      - name: primary
        priority: 1
        selectors: ["#submit", "button[type=submit]"]
        action: click
      - name: fallback_text
        priority: 2
        selectors: ["//button[contains(text(),'Enviar')]"]
        action: click
        dynamic: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redrived.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Runner.ClaimTimeout != 5*time.Minute {
		t.Fatalf("claim_timeout = %v", cfg.Runner.ClaimTimeout)
	}
	if cfg.Runner.CheckpointInterval != 15*time.Second {
		t.Fatalf("checkpoint_interval = %v", cfg.Runner.CheckpointInterval)
	}
	// Unset values come back as defaults.
	if cfg.Sweep.Interval != time.Minute {
		t.Fatalf("sweep interval default = %v", cfg.Sweep.Interval)
	}

	book := cfg.routeBook()
	routes, ok := book["submit_form"]
	if !ok || len(routes) != 2 {
		t.Fatalf("route book = %+v", book)
	}
	if routes[0].Action != drive.ActionClick || !routes[1].Dynamic {
		t.Fatalf("routes = %+v", routes)
	}
}

func TestLoadConfigRejectsUnknownAction(t *testing.T) {
	bad := `
operations:
  - type: submit_form
    routes:
      - name: primary
        selectors: ["#x"]
        action: hover
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("expected validation error for unknown action")
	}
}

func TestLoadConfigRejectsEmptySelectors(t *testing.T) {
	bad := `
operations:
  - type: submit_form
    routes:
      - name: primary
        action: click
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("expected validation error for empty selectors")
	}
}
