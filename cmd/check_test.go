package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunCheck_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "valid.hcl")

	validConfig := `
device {
  path = "` + filepath.Join(tmpDir, "flash.bin") + `"
  size = "4MiB"
}

region "ota_0" {
  type    = "app"
  subtype = "ota_0"
  offset  = "0x10000"
  size    = "1MiB"
}
`
	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunCheck(configPath, true); err != nil {
		t.Errorf("RunCheck() error = %v, want nil", err)
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()

	tests := map[string]string{
		"syntax": `
device {
    # Missing closing brace
`,
		"misaligned region": `
region "ota_0" {
  type    = "app"
  subtype = "ota_0"
  offset  = "0x10001"
  size    = "1MiB"
}
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, name+".hcl")
			if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if err := RunCheck(configPath, false); err == nil {
				t.Error("RunCheck() error = nil, want error")
			}
		})
	}
}

func TestRunCheck_MissingFile(t *testing.T) {
	if err := RunCheck(filepath.Join(t.TempDir(), "nope.hcl"), false); err == nil {
		t.Error("RunCheck() error = nil, want error")
	}
	if err := RunCheck("", false); err == nil {
		t.Error("RunCheck() error = nil for empty path")
	}
}
