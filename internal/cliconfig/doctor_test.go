package cliconfig

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate points HOME at a temp dir and clears overrides that would leak in
// from the developer environment.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FIREREDBOT_HOME", "")
	t.Setenv("FIREREDBOT_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
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
		t.Fatalf("write config: %v", err)
	}
	return path
}

func findCheck(r DoctorReport, name string) (DoctorCheck, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DoctorCheck{}, false
}

func TestRunDoctorWithMissingConfigWarnsNoFailure(t *testing.T) {
	isolate(t)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	if c, _ := findCheck(report, "config_file"); c.Status != DoctorWarn {
		t.Fatalf("expected config_file warning, got %#v", c)
	}
	if c, _ := findCheck(report, "state_dir"); c.Status != DoctorPass {
		t.Fatalf("expected writable state dir, got %#v", c)
	}
}

func TestRunDoctorWithInvalidConfigFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"model":`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if !report.HasFailures() {
		t.Fatalf("expected failures for invalid config, got %#v", report)
	}
}

func TestRunDoctorMissingAPIKeyFails(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("FIREREDBOT_OPENAI_API_KEY", "")

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	c, ok := findCheck(report, "model_provider")
	if !ok || c.Status != DoctorFail || !strings.Contains(c.Message, "OPENAI_API_KEY") {
		t.Fatalf("expected model_provider failure with hint, got %#v", c)
	}
}

func TestRunDoctorRemoteGatewayRequiresAuthToken(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway": {"host": "0.0.0.0", "port": 18790, "authToken": ""}}`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := findCheck(report, "gateway_loopback"); c.Status != DoctorFail {
		t.Fatalf("expected failure for remote gateway without auth token, got %#v", report)
	}
}

func TestRunDoctorEnabledKafkaSinkNeedsBrokers(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"broadcast": {"kafka": {"enabled": true}}}`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := findCheck(report, "kafka_sink"); c.Status != DoctorFail {
		t.Fatalf("expected kafka_sink failure, got %#v", c)
	}
}

func TestDoctorGenerateGatewayToken(t *testing.T) {
	home := isolate(t)
	path := writeConfig(t, home, `{"gateway":{"host":"127.0.0.1","authToken":""}}`)

	report, err := RunDoctorWithOptions(DoctorOptions{GenerateGatewayToken: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures, got %#v", report)
	}

	cfgAfter, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config after token generation: %v", err)
	}
	if strings.Contains(string(cfgAfter), `"authToken": ""`) || strings.Contains(string(cfgAfter), `"authToken":""`) {
		t.Fatalf("expected generated auth token, got: %s", string(cfgAfter))
	}
}

func TestRunDoctorProbesKafkaOnlyWhenAsked(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	home := isolate(t)
	writeConfig(t, home, `{"broadcast": {"kafka": {"enabled": true, "brokers": "`+addr+`"}}}`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if _, ok := findCheck(report, "kafka_reachable"); ok {
		t.Fatal("kafka probe ran without being requested")
	}

	report, err = RunDoctorWithOptions(DoctorOptions{ProbeKafka: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := findCheck(report, "kafka_reachable"); c.Status != DoctorFail {
		t.Fatalf("expected kafka_reachable failure for closed port, got %#v", c)
	}
}
