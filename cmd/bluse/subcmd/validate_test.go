package subcmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateCommand_ValidYAML(t *testing.T) {
	yaml := `
redis:
  addr: redis.bl:6379
  channel: alerts
store:
  type: memory
policy:
  reconfigure: reject
  ordering: tolerant
  sensors: alerts
`
	path := writeTempYaml(t, yaml)
	defer os.Remove(path)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{"--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate command failed: %v", err)
	}
}

func TestValidateCommand_InvalidPath(t *testing.T) {
	cmd := NewValidateCommand()
	cmd.SetArgs([]string{"--config", "/nonexistent/path.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestValidateCommand_InvalidYAML(t *testing.T) {
	path := writeTempYaml(t, "invalid: yaml: content:")
	defer os.Remove(path)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{"--config", path})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidateCommand_UnknownPolicy(t *testing.T) {
	yaml := `
policy:
  ordering: eventually
`
	path := writeTempYaml(t, yaml)
	defer os.Remove(path)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{"--config", path})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown ordering policy")
	}
}

func TestValidateCommand_UnknownStoreType(t *testing.T) {
	yaml := `
store:
  type: etcd
`
	path := writeTempYaml(t, yaml)
	defer os.Remove(path)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{"--config", path})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

func writeTempYaml(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
