package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the HTTP implementation of Environment.
type Client struct {
	baseURL        string
	commandTimeout time.Duration
	httpClient     *http.Client
}

// NewClient creates a bridge client. timeout bounds snapshot and restart
// calls; commandTimeout bounds sendCommands, which blocks while keys play.
func NewClient(baseURL string, timeout, commandTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if commandTimeout <= 0 {
		commandTimeout = 120 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		commandTimeout: commandTimeout,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// FetchSnapshot implements Environment.
func (c *Client) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	var envelope struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := c.do(ctx, c.httpClient, http.MethodGet, "/requestData", nil, &envelope); err != nil {
		return nil, err
	}
	if !envelope.OK {
		return nil, &TransientError{Op: "requestData", Err: errors.New(nonEmpty(envelope.Error, "bridge reported ok=false"))}
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(envelope.Data, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.Raw = envelope.Data
	return snap, nil
}

// SendCommands implements Environment.
func (c *Client) SendCommands(ctx context.Context, commands []string) (*CommandTrace, error) {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		CommandTrace
	}
	hc := &http.Client{Timeout: c.commandTimeout}
	if err := c.do(ctx, hc, http.MethodPost, "/sendCommands", map[string]any{"commands": commands}, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &TransientError{Op: "sendCommands", Err: errors.New(nonEmpty(resp.Error, "bridge reported ok=false"))}
	}
	trace := resp.CommandTrace
	return &trace, nil
}

// Restart implements Environment.
func (c *Client) Restart(ctx context.Context) (*RestartResult, error) {
	var res RestartResult
	if err := c.do(ctx, c.httpClient, http.MethodPost, "/restartConsole", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body any, out any) error {
	op := strings.TrimPrefix(path, "/")
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(data))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s: status %d: %s", op, resp.StatusCode, truncateBody(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
