// Package cliconfig implements the configuration diagnostics behind the
// doctor command.
package cliconfig

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fireredbot/fireredbot/internal/bus"
	"github.com/fireredbot/fireredbot/internal/config"
	"github.com/fireredbot/fireredbot/internal/provider"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

type DoctorReport struct {
	Checks []DoctorCheck
}

type DoctorOptions struct {
	GenerateGatewayToken bool
	// ProbeKafka dials the configured brokers instead of only checking the
	// settings are present.
	ProbeKafka bool
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 10)}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}

	if _, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
		} else {
			report.add("config_file", DoctorFail, "cannot access config file: %v", err)
		}
	} else {
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		token, genErr := randomToken()
		switch {
		case genErr != nil:
			report.add("gateway_token", DoctorFail, "failed to generate token: %v", genErr)
		default:
			cfg.Gateway.AuthToken = token
			if saveErr := config.Save(cfg); saveErr != nil {
				report.add("gateway_token", DoctorFail, "generated token but failed to save config: %v", saveErr)
			} else {
				report.add("gateway_token", DoctorPass, "generated and saved gateway auth token")
			}
		}
	}

	checkStateDir(&report, cfg.Paths.StateDir)
	checkModel(&report, cfg)

	if isLoopbackHost(cfg.Gateway.Host) {
		report.add("gateway_loopback", DoctorPass, "gateway.host is loopback (%s)", cfg.Gateway.Host)
	} else if strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		report.add("gateway_loopback", DoctorFail, "gateway.host is not loopback (%s) and gateway.authToken is empty", cfg.Gateway.Host)
	} else {
		report.add("gateway_loopback", DoctorWarn, "gateway.host is non-loopback (%s), token auth enabled", cfg.Gateway.Host)
	}

	if endpointLooksRemote(cfg.Bridge.URL) {
		report.add("bridge_endpoint_scope", DoctorWarn, "bridge.url points to a non-loopback host (%s)", cfg.Bridge.URL)
	} else {
		report.add("bridge_endpoint_scope", DoctorPass, "bridge.url is loopback (%s)", cfg.Bridge.URL)
	}

	if k := cfg.Broadcast.Kafka; k.Enabled {
		if strings.TrimSpace(k.Brokers) == "" || strings.TrimSpace(k.Topic) == "" {
			report.add("kafka_sink", DoctorFail, "broadcast.kafka is enabled but brokers or topic is empty")
		} else {
			report.add("kafka_sink", DoctorPass, "kafka sink publishes to %s on %s", k.Topic, k.Brokers)
			if opts.ProbeKafka {
				checkKafkaReachable(&report, k.Brokers, k.Topic)
			}
		}
	}
	if s := cfg.Broadcast.Slack; s.Enabled {
		if strings.TrimSpace(s.BotToken) == "" || strings.TrimSpace(s.Channel) == "" {
			report.add("slack_sink", DoctorFail, "broadcast.slack is enabled but botToken or channel is empty")
		} else {
			report.add("slack_sink", DoctorPass, "slack alerts go to %s for %d event type(s)", s.Channel, len(s.Events))
		}
	}

	return report, nil
}

func checkStateDir(report *DoctorReport, dir string) {
	if strings.TrimSpace(dir) == "" {
		report.add("state_dir", DoctorFail, "paths.stateDir is empty")
		return
	}
	if err := config.EnsureDir(dir); err != nil {
		report.add("state_dir", DoctorFail, "cannot create state dir %s: %v", dir, err)
		return
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		report.add("state_dir", DoctorFail, "state dir %s is not writable: %v", dir, err)
		return
	}
	_ = os.Remove(probe)
	report.add("state_dir", DoctorPass, "state dir: %s", dir)
}

func checkModel(report *DoctorReport, cfg *config.Config) {
	if _, err := provider.Resolve(cfg); err != nil {
		var pe *provider.ProviderError
		if errors.As(err, &pe) {
			report.add("model_provider", DoctorFail, "%s", pe.Error())
			return
		}
		report.add("model_provider", DoctorFail, "cannot resolve model %q: %v", cfg.Model.Name, err)
		return
	}
	report.add("model_provider", DoctorPass, "model %s is configured", cfg.Model.Name)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func endpointLooksRemote(endpoint string) bool {
	e := strings.TrimSpace(endpoint)
	if e == "" {
		return false
	}
	u, err := url.Parse(e)
	if err != nil {
		return true
	}
	host := u.Hostname()
	if host == "" {
		host = e
	}
	return !isLoopbackHost(host)
}

func checkKafkaReachable(report *DoctorReport, brokers, topic string) {
	res, err := bus.ProbeKafka(context.Background(), brokers, topic, 10*time.Second)
	if err != nil {
		report.add("kafka_reachable", DoctorFail, "kafka probe failed: %v", err)
		return
	}
	report.add("kafka_reachable", DoctorPass, "topic %s visible via %s (%d partitions, %d with leader)",
		topic, res.Broker, res.Partitions, res.Leaders)
}
