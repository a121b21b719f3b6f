package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDoctorCommandPassesWithMissingConfig(t *testing.T) {
	isolate(t)

	out, err := runRootCommand(t, "doctor")
	if err != nil {
		t.Fatalf("doctor command failed unexpectedly: %v\n%s", err, out)
	}
	if !strings.Contains(out, "[WARN] config_file:") {
		t.Fatalf("expected config_file warning in output, got %q", out)
	}
}

func TestDoctorCommandFailsOnInvalidConfig(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway":`)

	out, err := runRootCommand(t, "doctor")
	if err == nil {
		t.Fatal("expected doctor command failure for invalid config")
	}
	if !strings.Contains(out, "[FAIL] config_load:") {
		t.Fatalf("expected config_load failure in output, got %q", out)
	}
}

func TestDoctorGenerateGatewayToken(t *testing.T) {
	home := isolate(t)
	path := writeConfig(t, home, `{"gateway":{"host":"0.0.0.0"}}`)

	out, err := runRootCommand(t, "doctor", "--generate-gateway-token")
	if err != nil {
		t.Fatalf("doctor --generate-gateway-token failed: %v\n%s", err, out)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), `"authToken": "`) {
		t.Fatalf("expected persisted auth token, got %s", data)
	}
}
