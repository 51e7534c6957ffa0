package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Test helpers

func setupTempProject(t *testing.T) (string, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "storesync-project-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	originalWd, err := os.Getwd()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("failed to change directory: %v", err)
	}
	cleanup := func() {
		_ = os.Chdir(originalWd)
		_ = os.RemoveAll(tmpDir)
	}
	return tmpDir, cleanup
}

// writeTestFile writes data to a file, failing the test on error
func writeTestFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write test file %s: %v", path, err)
	}
}

// readTOML parses a TOML file into a generic map
func readTOML(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	var out map[string]interface{}
	if err := toml.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	return out
}

func section(t *testing.T, conf map[string]interface{}, name string) map[string]interface{} {
	t.Helper()
	s, ok := conf[name].(map[string]interface{})
	if !ok {
		t.Fatalf("expected [%s] in config, got %v", name, conf[name])
	}
	return s
}

// Config File Tests

func TestWriteConfig_NewFile(t *testing.T) {
	_, cleanup := setupTempProject(t)
	defer cleanup()

	existed, err := writeConfig("storesync.toml", false, "")
	if err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}
	if existed {
		t.Error("expected a new file")
	}

	conf := readTOML(t, "storesync.toml")
	server := section(t, conf, "server")
	if server["addr"] != "127.0.0.1:8420" {
		t.Errorf("expected default addr, got %v", server["addr"])
	}
	if _, ok := server["token"]; ok {
		t.Error("expected no token without --generate-token")
	}
	client := section(t, conf, "client")
	if client["transport"] != "websocket" {
		t.Errorf("expected websocket transport, got %v", client["transport"])
	}
}

func TestWriteConfig_MergeExisting(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "storesync.toml")
	writeTestFile(t, path, []byte("[server]\naddr = ':9999'\n\n[log]\nlevel = 'debug'\n"))

	existed, err := writeConfig(path, false, "")
	if err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}
	if !existed {
		t.Error("expected the file to be reported as existing")
	}

	conf := readTOML(t, path)
	if addr := section(t, conf, "server")["addr"]; addr != ":9999" {
		t.Errorf("expected existing addr to be preserved, got %v", addr)
	}
	if level := section(t, conf, "log")["level"]; level != "debug" {
		t.Errorf("expected existing level to be preserved, got %v", level)
	}
	// missing sections are filled in
	if _, ok := section(t, conf, "fetch")["max_objects"]; !ok {
		t.Error("expected fetch.max_objects to be added")
	}
}

func TestWriteConfig_Force(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "storesync.toml")
	writeTestFile(t, path, []byte("[server]\naddr = ':9999'\n"))

	if _, err := writeConfig(path, true, ""); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}
	if addr := section(t, readTOML(t, path), "server")["addr"]; addr != "127.0.0.1:8420" {
		t.Errorf("expected addr to be reset, got %v", addr)
	}
}

func TestWriteConfig_GeneratedToken(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "storesync.toml")
	if _, err := writeConfig(path, false, "secret-token"); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	conf := readTOML(t, path)
	if tok := section(t, conf, "server")["token"]; tok != "secret-token" {
		t.Errorf("expected server token, got %v", tok)
	}
	if tok := section(t, conf, "client")["token"]; tok != "secret-token" {
		t.Errorf("expected client token, got %v", tok)
	}
}

func TestWriteConfig_IgnoresEnvironment(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	t.Setenv("STORESYNC_SERVER_TOKEN", "from-env")

	path := filepath.Join(tmpDir, "storesync.toml")
	writeTestFile(t, path, []byte("[server]\naddr = ':9999'\n"))
	if _, err := writeConfig(path, false, ""); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if strings.Contains(string(data), "from-env") {
		t.Error("environment overrides should not be written to the file")
	}
}

func TestWriteConfig_YAML(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "conf", "storesync.yaml")
	if _, err := writeConfig(path, false, ""); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	var conf map[string]interface{}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		t.Fatalf("failed to parse yaml: %v", err)
	}
	if _, ok := conf["dispatch"]; !ok {
		t.Error("expected dispatch section in yaml config")
	}
}

func TestWriteConfig_InvalidExisting(t *testing.T) {
	tmpDir, cleanup := setupTempProject(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "storesync.toml")
	original := []byte("[client]\ntransport = 'carrier-pigeon'\n")
	writeTestFile(t, path, original)

	if _, err := writeConfig(path, false, ""); err == nil {
		t.Fatal("expected an invalid config to be rejected")
	}

	// the file is left alone
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(original) {
		t.Errorf("expected file to be untouched, got %q", data)
	}
}
