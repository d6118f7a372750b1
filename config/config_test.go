package config

import (
	"os"
	"path/filepath"
	"testing"
)

func pointAtMissingConfig(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	pointAtMissingConfig(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gazetteer.Source != "nominatim" {
		t.Fatalf("expected nominatim default, got %s", cfg.Gazetteer.Source)
	}
	if cfg.Pipeline.Concurrency != defaultConcurrency {
		t.Fatalf("expected concurrency %d, got %d", defaultConcurrency, cfg.Pipeline.Concurrency)
	}
	if cfg.Tasks.Toponym.ResponseToken != "### Response:" {
		t.Fatalf("unexpected response token %q", cfg.Tasks.Toponym.ResponseToken)
	}
}

func TestWorkerCountClamp(t *testing.T) {
	pointAtMissingConfig(t)
	t.Setenv("WORKER_COUNT", "200")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Pipeline.Concurrency != maxConcurrency {
		t.Fatalf("expected worker count %d, got %d", maxConcurrency, cfg.Pipeline.Concurrency)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
model:
  base_url: http://file-host:9999
gazetteer:
  source: nominatim
  max_rows: 5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LLM_BASE_URL", "http://env-host:1234")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Model.BaseURL != "http://env-host:1234" {
		t.Fatalf("env should win, got %s", cfg.Model.BaseURL)
	}
	if cfg.Gazetteer.MaxRows != 5 {
		t.Fatalf("file max_rows not applied, got %d", cfg.Gazetteer.MaxRows)
	}
}

func TestTaskOverlayKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
tasks:
  toponym:
    instruction: Custom extraction instruction.
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Tasks.Toponym.Instruction != "Custom extraction instruction." {
		t.Fatalf("override not applied: %q", cfg.Tasks.Toponym.Instruction)
	}
	if cfg.Tasks.Toponym.PromptTemplate != defaultPromptTemplate {
		t.Fatal("prompt template default should survive a partial override")
	}
	if cfg.Tasks.RAG.Instruction != defaultRAGInstruction {
		t.Fatal("rag task should be untouched")
	}
}

func TestGeoNamesRequiresUsernameStrict(t *testing.T) {
	pointAtMissingConfig(t)
	t.Setenv("STRICT_CONFIG", "1")
	t.Setenv("GAZETTEER_SOURCE", "geonames")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for geonames without username")
	}
}

func TestReloadTasksRejectsBrokenTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
tasks:
  rag:
    prompt_template: "no anchor here {instruction} {input}"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := reloadTasks(path); err == nil {
		t.Fatal("expected validation error for template without anchor")
	}
}

func TestTaskHolderSwap(t *testing.T) {
	holder := NewTaskHolder(DefaultTasks())
	next := DefaultTasks()
	next.RAG.Instruction = "updated"
	holder.Swap(next)
	if holder.Current().RAG.Instruction != "updated" {
		t.Fatal("swap not visible")
	}
}
