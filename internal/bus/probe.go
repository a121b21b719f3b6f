package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProbeResult is what ProbeKafka learned about the sink topic.
type ProbeResult struct {
	Broker     string
	Partitions int
	Leaders    int
}

// ProbeKafka dials the first reachable broker, checks protocol compatibility
// and reports whether the topic is visible. The returned error carries an
// operator hint when one applies.
func ProbeKafka(ctx context.Context, brokers, topic string, timeout time.Duration) (ProbeResult, error) {
	addrs := SplitBrokers(brokers)
	if len(addrs) == 0 {
		return ProbeResult{}, errors.New("no brokers configured")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: timeout, DualStack: true}

	var lastErr error
	for _, addr := range addrs {
		res, err := probeBroker(ctx, dialer, addr, topic, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = fmt.Errorf("%s: %w", addr, err)
	}
	if h := probeHint(lastErr); h != "" {
		return ProbeResult{}, fmt.Errorf("%w (%s)", lastErr, h)
	}
	return ProbeResult{}, lastErr
}

func probeBroker(ctx context.Context, dialer *kafka.Dialer, addr, topic string, timeout time.Duration) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("broker dial failed: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.ApiVersions(); err != nil {
		return ProbeResult{}, fmt.Errorf("ApiVersions failed: %w", err)
	}
	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("read partitions of %s: %w", topic, err)
	}
	res := ProbeResult{Broker: addr}
	for _, pt := range parts {
		if pt.Topic != topic {
			continue
		}
		res.Partitions++
		if pt.Leader.Host != "" {
			res.Leaders++
		}
	}
	if res.Partitions == 0 {
		return ProbeResult{}, fmt.Errorf("topic %s not found or not authorized", topic)
	}
	return res, nil
}

func probeHint(err error) string {
	if err == nil {
		return ""
	}
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke {
		case kafka.TopicAuthorizationFailed:
			return "grant Write and Describe on the topic"
		case kafka.UnknownTopicOrPartition:
			return "create the topic or enable auto creation"
		case kafka.SASLAuthenticationFailed:
			return "check SASL credentials"
		case kafka.LeaderNotAvailable, kafka.NotLeaderForPartition:
			return "leader not available, check broker health"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out, check network path and advertised.listeners"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timed out, check network path and advertised.listeners"
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return "nothing is listening on the broker address"
	}
	return ""
}
