package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	configFile, logLevel, configFormat = "", "", "json"
	eventsLimit, eventsType = 50, ""
	doctorGenerateGatewayToken, doctorProbeKafka = false, false

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// isolate points every config and state location at a temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FIREREDBOT_HOME", "")
	t.Setenv("FIREREDBOT_CONFIG", "")
	t.Setenv("FIREREDBOT_ENV_FILE", "")
	t.Setenv("FIREREDBOT_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test-0123456789")
	return home
}

func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ".fireredbot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestConfigShowMasksSecrets(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway":{"authToken":"gateway-secret-token"},"broadcast":{"slack":{"botToken":"xoxb-123456789"}}}`)

	out, err := runRootCommand(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	for _, secret := range []string{"sk-test-0123456789", "gateway-secret-token", "xoxb-123456789"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked in output:\n%s", secret, out)
		}
	}

	var shown struct {
		Gateway struct {
			AuthToken string `json:"authToken"`
		} `json:"gateway"`
		Providers struct {
			OpenAI struct {
				APIKey string `json:"apiKey"`
			} `json:"openai"`
		} `json:"providers"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("config show is not JSON: %v\n%s", err, out)
	}
	if shown.Gateway.AuthToken != "gate****" {
		t.Fatalf("expected masked gateway token, got %q", shown.Gateway.AuthToken)
	}
	if shown.Providers.OpenAI.APIKey != "sk-t****" {
		t.Fatalf("expected masked api key, got %q", shown.Providers.OpenAI.APIKey)
	}
}

func TestConfigShowYAML(t *testing.T) {
	isolate(t)

	out, err := runRootCommand(t, "config", "show", "--format", "yaml")
	if err != nil {
		t.Fatalf("config show --format yaml failed: %v", err)
	}
	if !strings.Contains(out, "summaryInterval: 100") {
		t.Fatalf("expected yaml agent settings, got:\n%s", out)
	}
}

func TestConfigShowRejectsUnknownFormat(t *testing.T) {
	isolate(t)

	if _, err := runRootCommand(t, "config", "show", "--format", "toml"); err == nil {
		t.Fatal("expected unknown format error")
	}
}

func TestConfigPath(t *testing.T) {
	home := isolate(t)

	out, err := runRootCommand(t, "config", "path")
	if err != nil {
		t.Fatalf("config path failed: %v", err)
	}
	if out != filepath.Join(home, ".fireredbot", "config.json") {
		t.Fatalf("unexpected config path %q", out)
	}

	out, err = runRootCommand(t, "--config", "/etc/fireredbot.yaml", "config", "path")
	if err != nil {
		t.Fatalf("config path with --config failed: %v", err)
	}
	if out != "/etc/fireredbot.yaml" {
		t.Fatalf("expected explicit path, got %q", out)
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "****"},
		{"sk-abcdefgh", "sk-a****"},
	}
	for _, tt := range tests {
		if got := mask(tt.in); got != tt.want {
			t.Errorf("mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
